// Package webhook POSTs step completion events as JSON to a URL.
//
// Each request names its session and step in headers. With a Secret
// configured the body is signed with HMAC-SHA256 so receivers can verify
// the sender. 429 and 5xx replies are retried, honoring Retry-After; any
// other 4xx is final.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pithecene-io/stepwise/adapter"
	"github.com/pithecene-io/stepwise/iox"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the number of attempts after the first.
const DefaultRetries = 3

// Request headers set on every delivery.
const (
	HeaderSession   = "X-Stepwise-Session"
	HeaderStep      = "X-Stepwise-Step"
	HeaderSignature = "X-Stepwise-Signature"
)

// Config configures the webhook adapter.
type Config struct {
	// URL receives the POSTs. Required.
	URL string
	// Headers are added to each request. They cannot override the
	// session, step or signature headers.
	Headers map[string]string
	// Secret signs each body into HeaderSignature as "sha256=<hex>".
	// Empty disables signing.
	Secret string
	// Timeout bounds one attempt. Zero means DefaultTimeout.
	Timeout time.Duration
	Retries int
	// BaseDelay is the first backoff. Zero means adapter.DefaultBaseDelay.
	BaseDelay time.Duration
}

// Adapter delivers events to one webhook endpoint.
type Adapter struct {
	config Config
	retry  adapter.RetryPolicy
	client *http.Client
}

// New validates cfg and returns an adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook adapter requires a URL")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Adapter{
		config: cfg,
		retry:  adapter.RetryPolicy{Retries: cfg.Retries, BaseDelay: cfg.BaseDelay},
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Publish POSTs the event, retrying transient failures.
func (a *Adapter) Publish(ctx context.Context, event *adapter.StepCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}
	return adapter.Deliver(ctx, "webhook", a.retry, func(ctx context.Context) error {
		return a.post(ctx, event, body)
	})
}

// StatusError is a non-2xx reply.
type StatusError struct {
	Code int
	// After is the parsed Retry-After delay, zero when absent.
	After time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// RetryAfter implements adapter.RetryAfterHint.
func (e *StatusError) RetryAfter() time.Duration { return e.After }

// retriable reports whether the receiver may accept the event later.
func (e *StatusError) retriable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) post(ctx context.Context, event *adapter.StepCompletedEvent, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(body))
	if err != nil {
		return adapter.Permanent(fmt.Errorf("create request: %w", err))
	}
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSession, event.SessionID)
	req.Header.Set(HeaderStep, strconv.Itoa(event.Step))
	if a.config.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(a.config.Secret, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	serr := &StatusError{Code: resp.StatusCode, After: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	if !serr.retriable() {
		return adapter.Permanent(serr)
	}
	return serr
}

// parseRetryAfter reads delay-seconds or an HTTP date. Unparseable or past
// values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// Close drops idle connections.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
