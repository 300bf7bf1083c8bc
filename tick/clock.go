// Package tick provides the world-tick clock that every step-level wait is
// measured in.
//
// The clock is driven by exactly one producer (the session event pump)
// calling Tick. Subscribers run synchronously on that goroutine in
// subscription order; waiters are released after subscribers.
package tick

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by WaitTicks once the clock is stopped.
var ErrStopped = errors.New("tick clock stopped")

// Subscriber is called once per tick with the step-relative tick count.
type Subscriber func(tick uint64)

type subscription struct {
	id uint64
	fn Subscriber
}

type waiter struct {
	remaining int
	released  bool
	done      chan struct{}
}

// Clock counts world ticks.
type Clock struct {
	mu      sync.Mutex
	now     uint64
	total   uint64
	nextID  uint64
	subs    []subscription
	waiters []*waiter
	stopped bool
	stopCh  chan struct{}
}

// NewClock creates a running clock at tick 0.
func NewClock() *Clock {
	return &Clock{stopCh: make(chan struct{})}
}

// Tick advances the clock by one tick.
func (c *Clock) Tick() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.now++
	c.total++
	now := c.now
	subs := make([]Subscriber, len(c.subs))
	for i, s := range c.subs {
		subs[i] = s.fn
	}
	// Waiters registered by subscribers during this tick start counting
	// on the next one.
	due := append([]*waiter(nil), c.waiters...)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(now)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range due {
		w.remaining--
		if w.remaining <= 0 && !w.released {
			w.released = true
			close(w.done)
		}
	}
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.released {
			kept = append(kept, w)
		}
	}
	for i := len(kept); i < len(c.waiters); i++ {
		c.waiters[i] = nil
	}
	c.waiters = kept
}

// Now returns the step-relative tick count.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Total returns the number of ticks since the clock was created.
// Unlike Now it is not affected by Reset.
func (c *Clock) Total() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Reset zeroes the step-relative counter. Pending waiters keep their
// remaining counts.
func (c *Clock) Reset() {
	c.mu.Lock()
	c.now = 0
	c.mu.Unlock()
}

// Subscribe registers fn to run on every tick until the returned function
// is called. Unsubscribe is idempotent.
func (c *Clock) Subscribe(fn Subscriber) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.subs {
				if s.id == id {
					c.subs = append(c.subs[:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribers returns the number of active subscribers.
func (c *Clock) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// WaitTicks blocks until n further ticks have elapsed.
// n <= 0 returns immediately. Returns ctx.Err() on cancellation and
// ErrStopped once the clock is stopped.
func (c *Clock) WaitTicks(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	w := &waiter{remaining: n, done: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-c.stopCh:
		return ErrStopped
	case <-ctx.Done():
		c.removeWaiter(w)
		return ctx.Err()
	}
}

func (c *Clock) removeWaiter(target *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Stop invalidates all pending and future waits. Further ticks are ignored.
// Stop is idempotent.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.waiters = nil
	close(c.stopCh)
}

// Stopped returns true once Stop has been called.
func (c *Clock) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Waiters returns the number of pending waits.
func (c *Clock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
