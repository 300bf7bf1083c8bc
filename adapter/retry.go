package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Retry defaults.
const (
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 8 * time.Second
)

// RetryPolicy bounds delivery attempts for one event.
type RetryPolicy struct {
	// Retries is the number of attempts after the first.
	Retries int
	// BaseDelay is the wait before the first retry. It doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
}

// Delay returns the wait before retry n, counting from 1.
func (p RetryPolicy) Delay(n int) time.Duration {
	base, ceiling := p.BaseDelay, p.ceiling()
	if base <= 0 {
		base = DefaultBaseDelay
	}
	d := base
	for i := 1; i < n && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}

func (p RetryPolicy) ceiling() time.Duration {
	if p.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return p.MaxDelay
}

// permanentError stops Deliver from retrying.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryAfterHint is implemented by errors that carry a receiver-requested
// delay. A positive hint replaces the backoff delay, still capped by
// MaxDelay.
type RetryAfterHint interface {
	RetryAfter() time.Duration
}

// Deliver runs attempt until it succeeds, fails permanently, the policy is
// exhausted, or ctx is done. Errors are prefixed with name.
func Deliver(ctx context.Context, name string, p RetryPolicy, attempt func(context.Context) error) error {
	attempts := 1 + max(p.Retries, 0)
	var lastErr error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}

		if i > 0 {
			wait := p.Delay(i)
			var hint RetryAfterHint
			if errors.As(lastErr, &hint) && hint.RetryAfter() > 0 {
				wait = min(hint.RetryAfter(), p.ceiling())
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return fmt.Errorf("%s: non-retriable error: %w", name, lastErr)
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
