// Package world defines the collaborator the step server drives: a
// tick-based world session reached through a Dialer.
//
// Connection, handshake and transport are owned by implementations
// (world/sim in-process, world/remote over TCP). The step machinery only
// sees Conn.
package world

import (
	"context"
	"errors"

	"github.com/pithecene-io/stepwise/types"
)

// ErrClosed is returned by Conn operations after Close or a kick.
var ErrClosed = errors.New("world connection closed")

// EventKind identifies a world event.
type EventKind string

const (
	// EventTick is one world tick. State carries the agent state after the tick.
	EventTick EventKind = "tick"
	// EventChat is a chat line seen by the agent.
	EventChat EventKind = "chat"
	// EventDeath means the agent died and respawned.
	EventDeath EventKind = "death"
	// EventMount means the agent was mounted on an entity.
	EventMount EventKind = "mount"
	// EventKicked means the world ended the session. No events follow.
	EventKicked EventKind = "kicked"
)

// Event is a world event delivered in arrival order.
type Event struct {
	Kind    EventKind        `msgpack:"kind"`
	Tick    uint64           `msgpack:"tick,omitempty"`
	State   types.AgentState `msgpack:"state,omitempty"`
	Message string           `msgpack:"message,omitempty"`
}

// DialOptions identifies the world and the agent to spawn.
type DialOptions struct {
	Host     string
	Port     int
	Username string
}

// Dialer establishes world sessions. Dial returns once the agent has
// spawned.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, opts DialOptions) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, opts DialOptions) (Conn, error) {
	return f(ctx, opts)
}

// Conn is one spawned agent session.
//
// Events is closed when the connection ends. All other methods are safe
// for concurrent use. Command methods are fire-and-acknowledge: they return
// once the world accepted the command, not when its effect has settled in
// ticks.
type Conn interface {
	// Events streams ticks and world events.
	Events() <-chan Event
	// State returns the most recent agent state. Cheap, no round trip.
	State() types.AgentState
	// Observe produces the full sensor snapshot.
	Observe(ctx context.Context) (types.Snapshot, error)

	// MoveTo sets a movement goal. The goal is reached when the agent is
	// within rng of goal. State().Moving stays true until then or until
	// StopMoving.
	MoveTo(ctx context.Context, goal types.Vec3, rng float64) error
	// StopMoving clears the movement goal.
	StopMoving(ctx context.Context) error
	// Teleport moves the agent immediately.
	Teleport(ctx context.Context, pos types.Vec3) error
	// Dismount leaves any mounted entity.
	Dismount(ctx context.Context) error

	// Chat sends a chat line.
	Chat(ctx context.Context, message string) error
	// Give adds n of item to the inventory.
	Give(ctx context.Context, item string, n int) error
	// Equip puts item in the named equipment slot.
	Equip(ctx context.Context, slot, item string) error
	// Reset clears the inventory and respawns the agent.
	Reset(ctx context.Context) error
	// SetRule sets a boolean world rule.
	SetRule(ctx context.Context, rule string, value bool) error
	// Spread relocates the agent to a random surface point at least
	// distance away from others, within maxRange of the origin.
	Spread(ctx context.Context, distance, maxRange int) error
	// Pause toggles the world pause state. While paused the world does not
	// advance (no movement, no daylight) but tick events keep arriving.
	Pause(ctx context.Context) error

	// FindBlocks returns block positions matching q, nearest first.
	FindBlocks(ctx context.Context, q types.BlockQuery) ([]types.Vec3, error)
	// SetBlock replaces the block at pos.
	SetBlock(ctx context.Context, pos types.Vec3, name string) error
	// Place puts one item from the inventory at pos.
	Place(ctx context.Context, item string, pos types.Vec3) error
	// Dig removes the block at pos, adding its drop to the inventory when
	// the doTileDrops rule is on.
	Dig(ctx context.Context, pos types.Vec3) error

	// Close ends the session.
	Close() error
}

// Well-known world rules.
const (
	RuleKeepInventory = "keepInventory"
	RuleDaylightCycle = "doDaylightCycle"
	RuleTileDrops     = "doTileDrops"
)
