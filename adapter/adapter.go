// Package adapter defines the event-bus adapter boundary.
//
// Adapters publish step completion notifications to downstream systems.
// The server owns adapter lifecycle; users provide configuration only.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/pithecene-io/stepwise/types"
)

// EventTypeStepCompleted is the event_type of every published event.
const EventTypeStepCompleted = "step_completed"

// StepCompletedEvent is the payload published when a step settles.
type StepCompletedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "step_completed"
	SessionID       string `json:"session_id"`
	Username        string `json:"username"`
	Step            int    `json:"step"`
	Outcome         string `json:"outcome"` // success, script_error
	Tick            uint64 `json:"tick"`
	// Diagnostics carries the rendered text of each script failure.
	Diagnostics   []string `json:"diagnostics,omitempty"`
	EventCount    int      `json:"event_count"`
	DroppedEvents int64    `json:"dropped_events"`
	Timestamp     string   `json:"timestamp"` // ISO 8601
	DurationMs    int64    `json:"duration_ms"`
}

// NewStepCompletedEvent builds the event for a settled step.
func NewStepCompletedEvent(meta types.SessionMeta, obs *types.Observation, started, finished time.Time) *StepCompletedEvent {
	ev := &StepCompletedEvent{
		ContractVersion: types.Version,
		EventType:       EventTypeStepCompleted,
		SessionID:       meta.SessionID,
		Username:        meta.Username,
		Step:            meta.Step,
		Timestamp:       finished.UTC().Format(time.RFC3339Nano),
		DurationMs:      finished.Sub(started).Milliseconds(),
	}
	if obs != nil {
		ev.Outcome = string(obs.Outcome)
		ev.Tick = obs.Tick
		ev.EventCount = len(obs.Events)
		ev.DroppedEvents = obs.DroppedEvents
		for _, d := range obs.Diagnostics {
			ev.Diagnostics = append(ev.Diagnostics, d.Text())
		}
	}
	return ev
}

// Adapter publishes step completion events to a downstream system.
type Adapter interface {
	// Publish sends a step completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *StepCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Multi publishes every event to each adapter in order.
type Multi []Adapter

// Publish publishes to all adapters and joins their errors. One failing
// adapter does not stop the others.
func (m Multi) Publish(ctx context.Context, event *StepCompletedEvent) error {
	var errs []error
	for _, a := range m {
		if err := a.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all adapters and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, a := range m {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Adapter = Multi(nil)
