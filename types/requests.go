package types

import (
	"errors"
	"fmt"
)

// ResetMode selects how start treats the agent's held resources.
type ResetMode string

const (
	// ResetSoft keeps inventory and equipment as the world left them.
	ResetSoft ResetMode = "soft"
	// ResetHard clears the agent, respawns it and provisions the loadout.
	ResetHard ResetMode = "hard"
)

// StartRequest is the body of POST /start.
type StartRequest struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// WaitTicks is the tick window used by every wait in the session.
	// Zero means the server default.
	WaitTicks int       `json:"waitTicks" yaml:"wait_ticks"`
	Reset     ResetMode `json:"reset" yaml:"reset"`
	// Position, when set, teleports the agent after spawn.
	Position *Vec3 `json:"position,omitempty" yaml:"position,omitempty"`
	// Inventory maps item name to count. Applied on hard reset only.
	Inventory map[string]int `json:"inventory,omitempty" yaml:"inventory,omitempty"`
	// Equipment lists items by EquipmentSlots index. Empty entries and the
	// mainhand slot are skipped. Applied on hard reset only.
	Equipment []string `json:"equipment,omitempty" yaml:"equipment,omitempty"`
	// Spread relocates the agent to a random surface point after spawn.
	Spread bool `json:"spread" yaml:"spread"`
}

// Validate checks the request shape. It fills Reset with ResetSoft when
// empty.
func (r *StartRequest) Validate() error {
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("port out of range: %d", r.Port)
	}
	if r.WaitTicks < 0 {
		return fmt.Errorf("waitTicks must be >= 0, got %d", r.WaitTicks)
	}
	switch r.Reset {
	case "":
		r.Reset = ResetSoft
	case ResetSoft, ResetHard:
	default:
		return fmt.Errorf("reset must be %q or %q, got %q", ResetSoft, ResetHard, r.Reset)
	}
	if len(r.Equipment) > len(EquipmentSlots) {
		return fmt.Errorf("equipment has %d entries, at most %d slots", len(r.Equipment), len(EquipmentSlots))
	}
	for item, n := range r.Inventory {
		if item == "" {
			return errors.New("inventory item name must be non-empty")
		}
		if n <= 0 {
			return fmt.Errorf("inventory count for %s must be > 0, got %d", item, n)
		}
	}
	return nil
}

// StepRequest is the body of POST /step.
type StepRequest struct {
	// Code is the script to run.
	Code string `json:"code" yaml:"code"`
	// Programs is the helper preamble prepended to Code.
	Programs string `json:"programs" yaml:"programs"`
}

// MessageResponse is the body of /stop and /pause replies.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorKind classifies a failed request for programmatic callers.
type ErrorKind string

// Error kinds.
const (
	ErrorKindInvalid    ErrorKind = "invalid_request"
	ErrorKindConnection ErrorKind = "connection"
	ErrorKindNotSpawned ErrorKind = "not_spawned"
	ErrorKindBusy       ErrorKind = "step_in_progress"
	ErrorKindClosed     ErrorKind = "session_closed"
	ErrorKindInternal   ErrorKind = "internal"
)

// ErrorResponse is the body of every failed request. Error is the
// human-readable message existing clients read.
type ErrorResponse struct {
	Error string    `json:"error"`
	Kind  ErrorKind `json:"kind,omitempty"`
}
