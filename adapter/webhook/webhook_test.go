package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/stepwise/adapter"
	"github.com/pithecene-io/stepwise/iox"
)

func testEvent() *adapter.StepCompletedEvent {
	return &adapter.StepCompletedEvent{
		ContractVersion: "0.3.0",
		EventType:       adapter.EventTypeStepCompleted,
		SessionID:       "sess-001",
		Username:        "bot",
		Step:            7,
		Outcome:         "script_error",
		Tick:            240,
		Diagnostics:     []string{"Error: line 2: boom"},
		Timestamp:       "2026-02-07T12:00:00Z",
		EventCount:      3,
		DurationMs:      1500,
	}
}

// newTestAdapter builds an adapter with a millisecond backoff.
func newTestAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Millisecond
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { iox.DiscardClose(a) })
	return a
}

// statusSequence replies with codes in order, repeating the last one.
func statusSequence(attempts *atomic.Int32, codes ...int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		n := int(attempts.Add(1))
		w.WriteHeader(codes[min(n, len(codes))-1])
	}
}

func TestPublish_Delivers(t *testing.T) {
	const secret = "s3cret"
	var (
		received adapter.StepCompletedEvent
		body     []byte
		header   http.Header
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Method = %s, want POST", r.Method)
		}
		header = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	a := newTestAdapter(t, Config{
		URL:    ts.URL,
		Secret: secret,
		Headers: map[string]string{
			"Authorization": "Bearer test-token",
			HeaderStep:      "spoofed",
			"Content-Type":  "text/plain",
		},
	})
	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if err := json.Unmarshal(body, &received); err != nil {
		t.Fatalf("body is not an event: %v", err)
	}
	if received.SessionID != "sess-001" || received.Outcome != "script_error" || len(received.Diagnostics) != 1 {
		t.Errorf("received = %+v", received)
	}

	wantHeaders := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer test-token",
		HeaderSession:   "sess-001",
		HeaderStep:      "7",
		HeaderSignature: Sign(secret, body),
	}
	for k, want := range wantHeaders {
		if got := header.Get(k); got != want {
			t.Errorf("header %s = %q, want %q", k, got, want)
		}
	}
}

func TestPublish_UnsignedWithoutSecret(t *testing.T) {
	var sig atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get(HeaderSignature))
	}))
	defer ts.Close()

	a := newTestAdapter(t, Config{URL: ts.URL})
	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := sig.Load().(string); got != "" {
		t.Errorf("signature header = %q without a secret", got)
	}
}

func TestSign(t *testing.T) {
	body := []byte(`{"step":1}`)
	sig := Sign("a", body)
	if len(sig) != len("sha256=")+64 || sig[:7] != "sha256=" {
		t.Errorf("Sign() = %q, want sha256=<64 hex>", sig)
	}
	if Sign("a", body) != sig {
		t.Error("Sign() is not deterministic")
	}
	if Sign("b", body) == sig {
		t.Error("signature does not depend on the secret")
	}
}

func TestPublish_RetryBehavior(t *testing.T) {
	tests := []struct {
		name         string
		codes        []int
		retries      int
		wantAttempts int32
		wantErr      bool
		wantFinal    bool
	}{
		{"2xx first try", []int{http.StatusAccepted}, 3, 1, false, false},
		{"recovers after 5xx", []int{500, 502, 200}, 3, 3, false, false},
		{"5xx exhausts retries", []int{503}, 2, 3, true, false},
		{"429 is retried", []int{429, 200}, 1, 2, false, false},
		{"400 is final", []int{400}, 3, 1, true, true},
		{"401 is final", []int{401}, 3, 1, true, true},
		{"404 is final", []int{404}, 3, 1, true, true},
		{"no retries", []int{500}, 0, 1, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			ts := httptest.NewServer(statusSequence(&attempts, tt.codes...))
			defer ts.Close()

			a := newTestAdapter(t, Config{URL: ts.URL, Retries: tt.retries})
			err := a.Publish(t.Context(), testEvent())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Publish() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := attempts.Load(); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
			if err != nil {
				var serr *StatusError
				if !errors.As(err, &serr) || serr.Code != tt.codes[len(tt.codes)-1] {
					t.Errorf("Publish() error = %v, want StatusError %d", err, tt.codes[len(tt.codes)-1])
				}
				if got := adapter.IsPermanent(err); got != tt.wantFinal {
					t.Errorf("IsPermanent() = %v, want %v", got, tt.wantFinal)
				}
			}
		})
	}
}

func TestPublish_HonorsRetryAfter(t *testing.T) {
	var attempts atomic.Int32
	var first, gap atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) == 1 {
			first.Store(time.Now().UnixNano())
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		gap.Store(time.Now().UnixNano() - first.Load())
	}))
	defer ts.Close()

	a := newTestAdapter(t, Config{URL: ts.URL, Retries: 1})
	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := time.Duration(gap.Load()); got < 900*time.Millisecond {
		t.Errorf("retry came after %v, want about 1s from Retry-After", got)
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer ts.Close()
	defer close(release)

	a := newTestAdapter(t, Config{URL: ts.URL, Timeout: 10 * time.Second})
	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("Publish() error = nil on canceled context")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"0", 0},
		{"-4", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without URL error = nil")
	}
	if _, err := New(Config{URL: "http://example.com", Retries: -1}); err == nil {
		t.Error("New() with negative retries error = nil")
	}

	a, err := New(Config{URL: "http://example.com", Retries: 5})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.config.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", a.config.Timeout, DefaultTimeout)
	}
	if a.retry.Retries != 5 {
		t.Errorf("Retries = %d, want 5", a.retry.Retries)
	}
}
