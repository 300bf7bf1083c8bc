// Package runtime executes one step against an active world session.
//
// A step runs in a tick-bounded window:
//  1. Wait one tick window so prior effects settle
//  2. Run programs + code as one unit, with stuck detection active
//  3. Locate any error and record it as an onError event
//  4. Reclaim temporary resources
//  5. Wait a tick window proportional to the reclaim operations
//  6. Resolve the reply with the observation
//
// An error raised by a scheduled callback arms a fallback that resolves
// the reply one tick window later if the main path has not already done
// so. Reply guarantees exactly one response.
package runtime

import (
	"errors"

	"github.com/pithecene-io/stepwise/buffer"
	"github.com/pithecene-io/stepwise/types"
)

// ErrInterrupted is returned when a step ends without a response, because
// the session was stopped or the caller's context was cancelled.
var ErrInterrupted = errors.New("step interrupted")

// Step is one accepted step request.
type Step struct {
	Meta types.SessionMeta
	// Code is the caller's script.
	Code string
	// Programs is the helper preamble executed before Code in the same unit.
	Programs string
	// WaitTicks is the tick window.
	WaitTicks int
	// Retained lists loadout items the agent is entitled to keep.
	Retained []string
}

// PendingStep is a step between acceptance and response.
type PendingStep struct {
	Step
	Reply  *Reply
	Buffer *buffer.Buffer
}
