// Package client talks to a running stepwise control server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/stepwise/adapter"
	"github.com/pithecene-io/stepwise/server"
	"github.com/pithecene-io/stepwise/types"
)

// DefaultServerURL is the control server address used when none is given.
const DefaultServerURL = "http://localhost:3000"

// APIError is a non-2xx reply from the control server.
type APIError struct {
	Status  int
	Kind    types.ErrorKind
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// TransportError is a failure to reach the control server at all.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "control server unreachable: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client is an HTTP client for the control server routes.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a client for baseURL. A zero timeout means none; steps can
// legitimately run for a long time.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultServerURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}}, nil
}

// Start posts /start.
func (c *Client) Start(ctx context.Context, req types.StartRequest) (*types.Observation, error) {
	var obs types.Observation
	if err := c.do(ctx, http.MethodPost, "/start", req, &obs); err != nil {
		return nil, err
	}
	return &obs, nil
}

// Step posts /step.
func (c *Client) Step(ctx context.Context, req types.StepRequest) (*types.Observation, error) {
	var obs types.Observation
	if err := c.do(ctx, http.MethodPost, "/step", req, &obs); err != nil {
		return nil, err
	}
	return &obs, nil
}

// Stop posts /stop.
func (c *Client) Stop(ctx context.Context) (*types.MessageResponse, error) {
	var resp types.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/stop", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pause posts /pause.
func (c *Client) Pause(ctx context.Context) (*types.MessageResponse, error) {
	var resp types.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/pause", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status gets /status.
func (c *Client) Status(ctx context.Context) (*server.StatusResponse, error) {
	var resp server.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e types.ErrorResponse
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Kind: e.Kind, Message: e.Error}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Watch streams step completion events from /events, calling fn for each,
// until ctx is done, the server closes the stream, or fn returns an error.
// A clean close by either side returns nil.
func (c *Client) Watch(ctx context.Context, fn func(*adapter.StepCompletedEvent) error) error {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return &TransportError{Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	defer ws.Close()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return &TransportError{Err: err}
		}
		var ev adapter.StepCompletedEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(&ev); err != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}

// ErrStopWatching ends Watch without error when returned by its callback.
var ErrStopWatching = errors.New("stop watching")
