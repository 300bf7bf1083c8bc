// Package redis publishes step completion events over Redis pub/sub.
//
// Every event goes to the configured channel. With SessionChannels set it
// also goes to "<channel>:<session_id>", so a watcher can follow one agent
// session without filtering.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/stepwise/adapter"
)

// DefaultChannel is the shared channel name.
const DefaultChannel = "stepwise:step_completed"

// DefaultTimeout bounds one publish round trip.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the number of attempts after the first.
const DefaultRetries = 3

// Config configures the Redis pub/sub adapter.
type Config struct {
	// URL is redis://[:password@]host:port[/db]. Required.
	URL string
	// Channel defaults to DefaultChannel.
	Channel string
	// SessionChannels also publishes to a per-session channel.
	SessionChannels bool
	// Timeout bounds one attempt. Zero means DefaultTimeout.
	Timeout time.Duration
	Retries int
	// BaseDelay is the first backoff. Zero means adapter.DefaultBaseDelay.
	BaseDelay time.Duration
}

// Adapter publishes events with PUBLISH.
type Adapter struct {
	config Config
	retry  adapter.RetryPolicy
	client *goredis.Client
}

// New validates cfg and returns an adapter. It does not connect; the first
// publish does.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Adapter{
		config: cfg,
		retry:  adapter.RetryPolicy{Retries: cfg.Retries, BaseDelay: cfg.BaseDelay},
		client: goredis.NewClient(opts),
	}, nil
}

// SessionChannel returns the per-session channel for sessionID.
func (a *Adapter) SessionChannel(sessionID string) string {
	return a.config.Channel + ":" + sessionID
}

// channels lists the targets of event.
func (a *Adapter) channels(event *adapter.StepCompletedEvent) []string {
	out := []string{a.config.Channel}
	if a.config.SessionChannels && event.SessionID != "" {
		out = append(out, a.SessionChannel(event.SessionID))
	}
	return out
}

// Publish sends the event to every target channel, retrying failed rounds.
// A round publishes to all channels, so a retry may repeat a delivery on
// the channels that succeeded.
func (a *Adapter) Publish(ctx context.Context, event *adapter.StepCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	channels := a.channels(event)
	return adapter.Deliver(ctx, "redis", a.retry, func(ctx context.Context) error {
		return a.publishAll(ctx, channels, body)
	})
}

// publishAll sends body to every channel in one pipeline round trip.
func (a *Adapter) publishAll(ctx context.Context, channels []string, body []byte) error {
	publishCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	_, err := a.client.Pipelined(publishCtx, func(p goredis.Pipeliner) error {
		for _, ch := range channels {
			p.Publish(publishCtx, ch, body)
		}
		return nil
	})
	if errors.Is(err, goredis.ErrClosed) {
		return adapter.Permanent(err)
	}
	return err
}

// Close closes the client connection pool.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
