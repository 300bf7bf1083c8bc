// Package metrics provides process-wide step server counters.
//
// The Collector accumulates counters across sessions and steps. All
// increment methods are nil-receiver safe so components can run without
// metrics. Collector also implements prometheus.Collector and is served at
// /metrics.
package metrics

import "sync"

const namespace = "stepwise"

// Snapshot is an immutable point-in-time view of all metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Session lifecycle
	SessionsStarted    int64 `json:"sessions_started" yaml:"sessions_started"`
	SessionsStopped    int64 `json:"sessions_stopped" yaml:"sessions_stopped"`
	ConnectionFailures int64 `json:"connection_failures" yaml:"connection_failures"`

	// Steps
	StepsStarted   int64 `json:"steps_started" yaml:"steps_started"`
	StepsCompleted int64 `json:"steps_completed" yaml:"steps_completed"`
	StepsRejected  int64 `json:"steps_rejected" yaml:"steps_rejected"`
	ScriptErrors   int64 `json:"script_errors" yaml:"script_errors"`
	AsyncErrors    int64 `json:"async_errors" yaml:"async_errors"`

	// Stuck recovery
	Recoveries     int64 `json:"recoveries" yaml:"recoveries"`
	RecoveryMisses int64 `json:"recovery_misses" yaml:"recovery_misses"`

	// Reclamation
	ReclaimOps int64 `json:"reclaim_ops" yaml:"reclaim_ops"`

	// World transport
	Ticks           int64 `json:"ticks" yaml:"ticks"`
	IPCDecodeErrors int64 `json:"ipc_decode_errors" yaml:"ipc_decode_errors"`

	// Observation buffer
	EventsReceived int64 `json:"events_received" yaml:"events_received"`
	EventsDropped  int64 `json:"events_dropped" yaml:"events_dropped"`

	// Downstream notification
	PublishSuccess int64 `json:"publish_success" yaml:"publish_success"`
	PublishFailure int64 `json:"publish_failure" yaml:"publish_failure"`

	// Dimensions (informational, set at construction)
	World   string `json:"world" yaml:"world"`
	Adapter string `json:"adapter,omitempty" yaml:"adapter,omitempty"`
}

// Collector accumulates metrics for the server process.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	sessionsStarted    int64
	sessionsStopped    int64
	connectionFailures int64

	stepsStarted   int64
	stepsCompleted int64
	stepsRejected  int64
	scriptErrors   int64
	asyncErrors    int64

	recoveries     int64
	recoveryMisses int64

	reclaimOps int64

	ticks           int64
	ipcDecodeErrors int64

	eventsReceived int64
	eventsDropped  int64

	publishSuccess int64
	publishFailure int64

	world   string
	adapter string
}

// NewCollector creates a Collector with dimension labels.
// world names the world backend (sim, remote). adapter is optional.
func NewCollector(world, adapter string) *Collector {
	return &Collector{world: world, adapter: adapter}
}

func (c *Collector) inc(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Session lifecycle ---

// IncSessionStarted records a session reaching Active.
func (c *Collector) IncSessionStarted() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsStarted, 1)
}

// IncSessionStopped records a session teardown.
func (c *Collector) IncSessionStopped() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsStopped, 1)
}

// IncConnectionFailure records a failed start.
func (c *Collector) IncConnectionFailure() {
	if c == nil {
		return
	}
	c.inc(&c.connectionFailures, 1)
}

// --- Steps ---

// IncStepStarted records an accepted step.
func (c *Collector) IncStepStarted() {
	if c == nil {
		return
	}
	c.inc(&c.stepsStarted, 1)
}

// IncStepCompleted records a step that produced an observation.
func (c *Collector) IncStepCompleted() {
	if c == nil {
		return
	}
	c.inc(&c.stepsCompleted, 1)
}

// IncStepRejected records a step refused because another was in flight.
func (c *Collector) IncStepRejected() {
	if c == nil {
		return
	}
	c.inc(&c.stepsRejected, 1)
}

// IncScriptError records an error raised on the main execution path.
func (c *Collector) IncScriptError() {
	if c == nil {
		return
	}
	c.inc(&c.scriptErrors, 1)
}

// IncAsyncError records an error raised by a scheduled callback.
func (c *Collector) IncAsyncError() {
	if c == nil {
		return
	}
	c.inc(&c.asyncErrors, 1)
}

// --- Stuck recovery ---

// IncRecovery records a successful relocation.
func (c *Collector) IncRecovery() {
	if c == nil {
		return
	}
	c.inc(&c.recoveries, 1)
}

// IncRecoveryMiss records a relocation that failed.
func (c *Collector) IncRecoveryMiss() {
	if c == nil {
		return
	}
	c.inc(&c.recoveryMisses, 1)
}

// AddReclaimOps records world operations issued by reclamation.
func (c *Collector) AddReclaimOps(n int) {
	if c == nil {
		return
	}
	c.inc(&c.reclaimOps, int64(n))
}

// --- World transport ---

// IncTick records one world tick.
func (c *Collector) IncTick() {
	if c == nil {
		return
	}
	c.inc(&c.ticks, 1)
}

// IncIPCDecodeErrors records a frame decode error.
func (c *Collector) IncIPCDecodeErrors() {
	if c == nil {
		return
	}
	c.inc(&c.ipcDecodeErrors, 1)
}

// --- Observation buffer ---

// IncBufferEvent records an event offered to the step buffer.
func (c *Collector) IncBufferEvent() {
	if c == nil {
		return
	}
	c.inc(&c.eventsReceived, 1)
}

// IncBufferDropped records an event dropped by the step buffer.
func (c *Collector) IncBufferDropped() {
	if c == nil {
		return
	}
	c.inc(&c.eventsDropped, 1)
}

// --- Downstream notification ---

// IncPublishSuccess records a delivered step notification.
func (c *Collector) IncPublishSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.publishSuccess, 1)
}

// IncPublishFailure records a step notification that could not be delivered.
func (c *Collector) IncPublishFailure() {
	if c == nil {
		return
	}
	c.inc(&c.publishFailure, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		SessionsStarted:    c.sessionsStarted,
		SessionsStopped:    c.sessionsStopped,
		ConnectionFailures: c.connectionFailures,

		StepsStarted:   c.stepsStarted,
		StepsCompleted: c.stepsCompleted,
		StepsRejected:  c.stepsRejected,
		ScriptErrors:   c.scriptErrors,
		AsyncErrors:    c.asyncErrors,

		Recoveries:     c.recoveries,
		RecoveryMisses: c.recoveryMisses,

		ReclaimOps: c.reclaimOps,

		Ticks:           c.ticks,
		IPCDecodeErrors: c.ipcDecodeErrors,

		EventsReceived: c.eventsReceived,
		EventsDropped:  c.eventsDropped,

		PublishSuccess: c.publishSuccess,
		PublishFailure: c.publishFailure,

		World:   c.world,
		Adapter: c.adapter,
	}
}
