// Package types defines core domain types for the stepwise control server.
// Types are shared by the HTTP surface, the world wire protocol and the
// step-execution core.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
)

// SessionMeta contains the identity of one live agent session.
type SessionMeta struct {
	// SessionID is the canonical session identifier. Unique per start.
	SessionID string
	// Username is the agent name presented to the world during handshake.
	Username string
	// Step is the number of steps accepted so far (0 before the first step).
	Step int
}

// Validate validates session identity rules:
//   - session_id non-empty
//   - username non-empty
//   - step >= 0
func (m *SessionMeta) Validate() error {
	if m.SessionID == "" {
		return errors.New("session_id must be non-empty")
	}
	if m.Username == "" {
		return errors.New("username must be non-empty")
	}
	if m.Step < 0 {
		return fmt.Errorf("step must be >= 0, got %d", m.Step)
	}
	return nil
}

// SessionState is the lifecycle state of the agent session.
type SessionState string

const (
	// StateDisconnected means no world session exists.
	StateDisconnected SessionState = "disconnected"
	// StateConnecting means a handshake is in flight and spawn is not yet acknowledged.
	StateConnecting SessionState = "connecting"
	// StateActive means the agent is spawned and ticks are flowing.
	StateActive SessionState = "active"
	// StateTerminating means teardown is in progress.
	StateTerminating SessionState = "terminating"
)

// SessionStatus is a point-in-time view of the session, served by /status.
type SessionStatus struct {
	State     SessionState `json:"state" yaml:"state"`
	SessionID string       `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Username  string       `json:"username,omitempty" yaml:"username,omitempty"`
	Tick      uint64       `json:"tick" yaml:"tick"`
	Steps     int          `json:"steps" yaml:"steps"`
	Stepping  bool         `json:"stepping" yaml:"stepping"`
	WaitTicks int          `json:"wait_ticks" yaml:"wait_ticks"`
}
