package tick

import (
	"context"
	"errors"
	"testing"
	"time"
)

// waitForWaiters spins until the clock has n registered waiters.
func waitForWaiters(t *testing.T, c *Clock, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Waiters() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Waiters() = %d, want %d", c.Waiters(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClock_TickIncrements(t *testing.T) {
	c := NewClock()
	for range 3 {
		c.Tick()
	}
	if c.Now() != 3 {
		t.Errorf("Now() = %d, want 3", c.Now())
	}
	c.Reset()
	if c.Now() != 0 {
		t.Errorf("Now() after Reset = %d, want 0", c.Now())
	}
	if c.Total() != 3 {
		t.Errorf("Total() = %d, want 3", c.Total())
	}
}

func TestClock_SubscribersInOrder(t *testing.T) {
	c := NewClock()
	var order []string
	unsubA := c.Subscribe(func(uint64) { order = append(order, "a") })
	unsubB := c.Subscribe(func(uint64) { order = append(order, "b") })

	c.Tick()
	unsubA()
	unsubA()
	c.Tick()
	unsubB()

	want := []string{"a", "b", "b"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
	if c.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", c.Subscribers())
	}
}

func TestClock_SubscriberSeesTick(t *testing.T) {
	c := NewClock()
	var seen []uint64
	defer c.Subscribe(func(n uint64) { seen = append(seen, n) })()

	c.Tick()
	c.Tick()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("seen = %v, want [1 2]", seen)
	}
}

func TestClock_WaitTicks(t *testing.T) {
	c := NewClock()
	done := make(chan error, 1)
	go func() { done <- c.WaitTicks(context.Background(), 3) }()

	waitForWaiters(t, c, 1)
	c.Tick()
	c.Tick()
	select {
	case <-done:
		t.Fatal("WaitTicks returned before 3 ticks")
	default:
	}
	c.Tick()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitTicks() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitTicks did not return after 3 ticks")
	}
}

func TestClock_WaitTicksSurvivesReset(t *testing.T) {
	c := NewClock()
	c.Tick()
	c.Tick()

	done := make(chan error, 1)
	go func() { done <- c.WaitTicks(context.Background(), 2) }()
	waitForWaiters(t, c, 1)

	c.Reset()
	c.Tick()
	c.Tick()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitTicks() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter stranded by Reset")
	}
}

func TestClock_WaitTicksNonPositive(t *testing.T) {
	c := NewClock()
	if err := c.WaitTicks(context.Background(), 0); err != nil {
		t.Errorf("WaitTicks(0) = %v, want nil", err)
	}
	if err := c.WaitTicks(context.Background(), -4); err != nil {
		t.Errorf("WaitTicks(-4) = %v, want nil", err)
	}
}

func TestClock_WaitTicksCancelled(t *testing.T) {
	c := NewClock()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.WaitTicks(ctx, 10) }()
	waitForWaiters(t, c, 1)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("WaitTicks() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitTicks ignored cancellation")
	}
	if c.Waiters() != 0 {
		t.Errorf("Waiters() = %d, want 0", c.Waiters())
	}
}

func TestClock_Stop(t *testing.T) {
	c := NewClock()
	done := make(chan error, 1)
	go func() { done <- c.WaitTicks(context.Background(), 10) }()
	waitForWaiters(t, c, 1)

	c.Stop()
	c.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("WaitTicks() error = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitTicks not released by Stop")
	}

	if err := c.WaitTicks(context.Background(), 1); !errors.Is(err, ErrStopped) {
		t.Errorf("WaitTicks after Stop = %v, want ErrStopped", err)
	}
	c.Tick()
	if c.Now() != 0 {
		t.Errorf("Now() after stopped Tick = %d, want 0", c.Now())
	}
}

func TestClock_WaitRegisteredMidTick(t *testing.T) {
	c := NewClock()
	done := make(chan error, 1)
	registered := make(chan struct{})
	var once bool
	unsub := c.Subscribe(func(uint64) {
		if once {
			return
		}
		once = true
		go func() { done <- c.WaitTicks(context.Background(), 1) }()
		// Block the tick until the waiter is in place.
		for c.Waiters() == 0 {
			time.Sleep(time.Millisecond)
		}
		close(registered)
	})
	defer unsub()

	c.Tick()
	<-registered
	select {
	case <-done:
		t.Fatal("waiter registered mid-tick released by the same tick")
	default:
	}

	c.Tick()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitTicks() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released on next tick")
	}
}
