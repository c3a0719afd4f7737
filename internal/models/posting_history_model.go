package models

import (
	"encoding/json"
	"time"
)

// ErrorKind mirrors the platform error taxonomy as stored on history rows.
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindRetryable  ErrorKind = "retryable"
	ErrorKindPermanent  ErrorKind = "permanent"
	ErrorKindCredential ErrorKind = "credential_unavailable"
	// ErrorKindTokenPending marks an attempt skipped while the account's
	// access token waited for a refresh.
	ErrorKindTokenPending ErrorKind = "token_pending"
	// ErrorKindUnknown closes an attempt whose worker never reported back.
	// The platform may or may not have accepted the content.
	ErrorKindUnknown ErrorKind = "outcome_unknown"
)

// PostingHistory is append-only: a row is inserted when an attempt
// starts and completed exactly once; it is never touched afterwards.
type PostingHistory struct {
	ID                int64           `db:"id" json:"id"`
	UserID            int64           `db:"user_id" json:"user_id"`
	PostID            int64           `db:"post_id" json:"post_id"`
	AccountID         int64           `db:"account_id" json:"account_id"`
	AttemptNumber     int             `db:"attempt_number" json:"attempt_number"`
	RequestID         string          `db:"request_id" json:"request_id"`
	StartedAt         time.Time       `db:"started_at" json:"started_at"`
	CompletedAt       *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	Success           bool            `db:"success" json:"success"`
	PlatformContentID string          `db:"platform_content_id" json:"platform_content_id,omitempty"`
	ErrorKind         ErrorKind       `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage      string          `db:"error_message" json:"error_message,omitempty"`
	Response          json.RawMessage `db:"response" json:"response,omitempty"`
}

// AttemptResult completes an open history row.
type AttemptResult struct {
	CompletedAt       time.Time
	Success           bool
	PlatformContentID string
	ErrorKind         ErrorKind
	ErrorMessage      string
	Response          json.RawMessage
}
