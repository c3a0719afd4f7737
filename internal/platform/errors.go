package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

type Kind string

const (
	KindRetryable     Kind = "retryable"
	KindPermanent     Kind = "permanent"
	KindCredential    Kind = "credential_unavailable"
	KindRefreshFailed Kind = "refresh_failed"
	KindTokenPending  Kind = "token_pending"
)

var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Error is returned by every Client call that did not succeed.
type Error struct {
	Kind       Kind
	Platform   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Platform, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Platform, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Retryable(platform, message string, err error) *Error {
	return &Error{Kind: KindRetryable, Platform: platform, Message: message, Err: err}
}

func Permanent(platform, message string, err error) *Error {
	return &Error{Kind: KindPermanent, Platform: platform, Message: message, Err: err}
}

func CredentialUnavailable(platform, message string) *Error {
	return &Error{Kind: KindCredential, Platform: platform, Message: message}
}

// TokenPending reports an access token that expired before the refresh
// cycle replaced it. It is not the post's fault and costs no retry.
func TokenPending(platform, message string, err error) *Error {
	return &Error{Kind: KindTokenPending, Platform: platform, Message: message, Err: err}
}

func RefreshFailed(platform, message string, err error) *Error {
	return &Error{Kind: KindRefreshFailed, Platform: platform, Message: message, Err: err}
}

// KindOf classifies any error coming out of a Client. Errors that carry
// no classification are transport failures and may be retried.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ClassifyTransport(err)
}

// ClassifyStatus maps an HTTP status from a platform API. Rate limits and
// server errors are retryable; any other client error is not.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return KindRetryable
	case code >= 500:
		return KindRetryable
	case code >= 400:
		return KindPermanent
	}
	return KindRetryable
}

// ClassifyTransport covers timeouts, resets and other failures that
// happened before a platform answered.
func ClassifyTransport(err error) Kind {
	var urlErr *url.Error
	switch {
	case errors.Is(err, ErrUnsupportedPlatform):
		return KindPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return KindRetryable
	case errors.As(err, &urlErr) && !urlErr.Timeout() && urlErr.Op == "parse":
		return KindPermanent
	}
	return KindRetryable
}

func statusError(platform string, code int, message string) *Error {
	return &Error{Kind: ClassifyStatus(code), Platform: platform, StatusCode: code, Message: message}
}
