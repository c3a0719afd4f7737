package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/maheshrc27/postflow/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// Options configures a platform client. BaseURL overrides the public API
// host and is empty in production.
type Options struct {
	BaseURL           string
	ClientID          string
	ClientSecret      string
	RequestTimeout    time.Duration
	UploadTimeout     time.Duration
	RequestsPerMinute int
	Logger            *zap.Logger
}

func (o Options) baseURL(fallback string) string {
	if o.BaseURL != "" {
		return strings.TrimRight(o.BaseURL, "/")
	}
	return fallback
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// NewLimiter spaces outbound calls to one platform. A non-positive rate
// disables limiting.
func NewLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

type apiClient struct {
	platform string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

func newAPIClient(platform string, opts Options) *apiClient {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &apiClient{
		platform: platform,
		http:     &http.Client{Timeout: timeout},
		limiter:  NewLimiter(opts.RequestsPerMinute),
		logger:   opts.logger().With(zap.String("platform", platform)),
	}
}

func (c *apiClient) postJSON(ctx context.Context, url, bearer string, payload, out any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Permanent(c.platform, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(c.platform, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.do(req, out)
}

// do sends req after waiting on the limiter and decodes a 2xx body into
// out. Non-2xx answers become an *Error classified by status, with the
// raw body returned so callers can refine the message.
func (c *apiClient) do(req *http.Request, out any) (json.RawMessage, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, Retryable(c.platform, "rate limiter", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: ClassifyTransport(err), Platform: c.platform, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Retryable(c.platform, "read response", err)
	}

	c.logger.Debug("platform response",
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, statusError(c.platform, resp.StatusCode, utils.Truncate(string(raw), 300))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, Permanent(c.platform, "decode response", err)
		}
	}
	return raw, nil
}

func expiresIn(seconds int64) time.Duration {
	if seconds <= 0 {
		return time.Hour
	}
	return time.Duration(seconds) * time.Second
}
