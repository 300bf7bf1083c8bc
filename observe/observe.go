// Package observe assembles the observation returned by start and step.
//
// The sensor snapshot itself is owned by the world; this package only
// combines it with the step's accumulated events and diagnostics.
package observe

import (
	"context"
	"fmt"

	"github.com/pithecene-io/stepwise/types"
)

// Source produces a sensor snapshot. world.Conn satisfies it.
type Source interface {
	Observe(ctx context.Context) (types.Snapshot, error)
}

// Input is the step-side content of an observation.
type Input struct {
	SessionID string
	Step      int
	Tick      uint64
	Events    []types.Event
	Dropped   int64
}

// Builder produces observations.
type Builder interface {
	Build(ctx context.Context, in Input) (*types.Observation, error)
}

// WorldBuilder builds observations from a world snapshot.
type WorldBuilder struct {
	Source Source
}

var _ Builder = (*WorldBuilder)(nil)

// Build captures a snapshot and attaches the step's events.
// Diagnostics are lifted from onError events; any diagnostic marks the
// outcome as a script error.
func (b *WorldBuilder) Build(ctx context.Context, in Input) (*types.Observation, error) {
	snap, err := b.Source.Observe(ctx)
	if err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	return Assemble(in, snap), nil
}

// Assemble combines in and snap into an observation.
func Assemble(in Input, snap types.Snapshot) *types.Observation {
	events := in.Events
	if events == nil {
		events = []types.Event{}
	}
	obs := &types.Observation{
		SessionID:     in.SessionID,
		Step:          in.Step,
		Tick:          in.Tick,
		Outcome:       types.OutcomeSuccess,
		Events:        events,
		Snapshot:      snap,
		DroppedEvents: in.Dropped,
	}
	for _, ev := range events {
		if ev.Type == types.EventTypeError && ev.Diagnostic != nil {
			obs.Diagnostics = append(obs.Diagnostics, *ev.Diagnostic)
		}
	}
	if len(obs.Diagnostics) > 0 {
		obs.Outcome = types.OutcomeScriptError
	}
	return obs
}
