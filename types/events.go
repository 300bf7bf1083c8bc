package types

// EventType is the sub-observation kind accumulated during a step.
type EventType string

// Event type constants. Names follow the observation stream the agent
// consumes.
const (
	EventTypeChat     EventType = "onChat"
	EventTypeError    EventType = "onError"
	EventTypeDeath    EventType = "onDeath"
	EventTypeLog      EventType = "onLog"
	EventTypeRecovery EventType = "onStuck"
)

// Event is one sub-observation accumulated during a step.
type Event struct {
	Type EventType `json:"type" yaml:"type"`
	// Tick is the step-relative tick the event arrived on.
	Tick    uint64 `json:"tick" yaml:"tick"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	// Diagnostic is set for onError events.
	Diagnostic *Diagnostic `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
}

// StepOutcome classifies a settled step.
type StepOutcome string

const (
	// OutcomeSuccess means the script ran to completion without raising.
	OutcomeSuccess StepOutcome = "success"
	// OutcomeScriptError means the script, or a callback it scheduled, raised.
	OutcomeScriptError StepOutcome = "script_error"
)

// Observation is the response payload of start and step.
type Observation struct {
	SessionID string      `json:"session_id" yaml:"session_id"`
	Step      int         `json:"step" yaml:"step"`
	Tick      uint64      `json:"tick" yaml:"tick"`
	Outcome   StepOutcome `json:"outcome" yaml:"outcome"`
	Events    []Event     `json:"events" yaml:"events"`
	// Diagnostics is the side channel for script failures.
	Diagnostics []Diagnostic `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	Snapshot    Snapshot     `json:"snapshot" yaml:"snapshot"`
	// DroppedEvents counts sub-observations discarded by the buffer.
	DroppedEvents int64 `json:"dropped_events,omitempty" yaml:"dropped_events,omitempty"`
}
