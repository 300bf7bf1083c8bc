package metrics

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("sim", "webhook")

	c.IncSessionStarted()
	c.IncSessionStopped()
	c.IncConnectionFailure()
	c.IncConnectionFailure()
	c.IncStepStarted()
	c.IncStepStarted()
	c.IncStepCompleted()
	c.IncStepRejected()
	c.IncScriptError()
	c.IncAsyncError()
	c.IncRecovery()
	c.IncRecoveryMiss()
	c.AddReclaimOps(4)
	c.IncTick()
	c.IncTick()
	c.IncTick()
	c.IncIPCDecodeErrors()
	c.IncBufferEvent()
	c.IncBufferDropped()
	c.IncPublishSuccess()
	c.IncPublishFailure()

	s := c.Snapshot()

	if s.SessionsStarted != 1 {
		t.Errorf("SessionsStarted = %d, want 1", s.SessionsStarted)
	}
	if s.SessionsStopped != 1 {
		t.Errorf("SessionsStopped = %d, want 1", s.SessionsStopped)
	}
	if s.ConnectionFailures != 2 {
		t.Errorf("ConnectionFailures = %d, want 2", s.ConnectionFailures)
	}
	if s.StepsStarted != 2 {
		t.Errorf("StepsStarted = %d, want 2", s.StepsStarted)
	}
	if s.StepsCompleted != 1 {
		t.Errorf("StepsCompleted = %d, want 1", s.StepsCompleted)
	}
	if s.StepsRejected != 1 {
		t.Errorf("StepsRejected = %d, want 1", s.StepsRejected)
	}
	if s.ScriptErrors != 1 || s.AsyncErrors != 1 {
		t.Errorf("ScriptErrors/AsyncErrors = %d/%d, want 1/1", s.ScriptErrors, s.AsyncErrors)
	}
	if s.Recoveries != 1 || s.RecoveryMisses != 1 {
		t.Errorf("Recoveries/RecoveryMisses = %d/%d, want 1/1", s.Recoveries, s.RecoveryMisses)
	}
	if s.ReclaimOps != 4 {
		t.Errorf("ReclaimOps = %d, want 4", s.ReclaimOps)
	}
	if s.Ticks != 3 {
		t.Errorf("Ticks = %d, want 3", s.Ticks)
	}
	if s.IPCDecodeErrors != 1 {
		t.Errorf("IPCDecodeErrors = %d, want 1", s.IPCDecodeErrors)
	}
	if s.EventsReceived != 1 || s.EventsDropped != 1 {
		t.Errorf("EventsReceived/EventsDropped = %d/%d, want 1/1", s.EventsReceived, s.EventsDropped)
	}
	if s.PublishSuccess != 1 || s.PublishFailure != 1 {
		t.Errorf("PublishSuccess/PublishFailure = %d/%d, want 1/1", s.PublishSuccess, s.PublishFailure)
	}
}

func TestCollector_Dimensions(t *testing.T) {
	s := NewCollector("remote", "").Snapshot()
	if s.World != "remote" {
		t.Errorf("World = %q, want %q", s.World, "remote")
	}
	if s.Adapter != "" {
		t.Errorf("Adapter = %q, want empty", s.Adapter)
	}
}

func TestCollector_NilReceiverSafety(t *testing.T) {
	var c *Collector

	// None of these should panic
	c.IncSessionStarted()
	c.IncStepStarted()
	c.IncRecovery()
	c.AddReclaimOps(3)
	c.IncTick()
	c.IncBufferDropped()
	c.IncPublishFailure()

	s := c.Snapshot()
	if s.StepsStarted != 0 {
		t.Errorf("nil collector Snapshot().StepsStarted = %d, want 0", s.StepsStarted)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector("sim", "")
	const goroutines = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				c.IncTick()
				c.IncStepStarted()
				c.IncBufferEvent()
			}
		}()
	}

	wg.Wait()

	s := c.Snapshot()
	want := int64(goroutines * iterations)

	if s.Ticks != want {
		t.Errorf("Ticks = %d, want %d", s.Ticks, want)
	}
	if s.StepsStarted != want {
		t.Errorf("StepsStarted = %d, want %d", s.StepsStarted, want)
	}
	if s.EventsReceived != want {
		t.Errorf("EventsReceived = %d, want %d", s.EventsReceived, want)
	}
}

func TestCollector_Prometheus(t *testing.T) {
	c := NewCollector("sim", "")
	c.IncTick()
	c.IncTick()
	c.IncRecovery()

	if n := testutil.CollectAndCount(c); n != len(counterDescs) {
		t.Errorf("CollectAndCount = %d, want %d", n, len(counterDescs))
	}

	expected := `
# HELP stepwise_ticks_total World ticks received.
# TYPE stepwise_ticks_total counter
stepwise_ticks_total{world="sim"} 2
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "stepwise_ticks_total"); err != nil {
		t.Errorf("CollectAndCompare: %v", err)
	}
}
