package ipc

import (
	"github.com/pithecene-io/stepwise/types"
)

// Frame type discriminants.
const (
	// TypeHello opens a session. Client to server.
	TypeHello = "hello"
	// TypeCall invokes a world operation. Client to server.
	TypeCall = "call"
	// TypeSpawn acknowledges hello once the agent is in the world.
	TypeSpawn = "spawn"
	// TypeTick carries one world tick and the agent state after it.
	TypeTick = "tick"
	// TypeEvent carries a non-tick world event.
	TypeEvent = "event"
	// TypeReply answers a call by id.
	TypeReply = "reply"
	// TypeKicked ends the session. No frames follow.
	TypeKicked = "kicked"
)

// HelloFrame is the first client frame.
type HelloFrame struct {
	Type     string `msgpack:"type"`
	Version  string `msgpack:"version"`
	Username string `msgpack:"username"`
}

// NewHello builds a hello frame for username.
func NewHello(username string) *HelloFrame {
	return &HelloFrame{Type: TypeHello, Version: types.ProtocolVersion, Username: username}
}

// SpawnFrame answers hello.
type SpawnFrame struct {
	Type     string           `msgpack:"type"`
	Position types.Vec3       `msgpack:"position"`
	State    types.AgentState `msgpack:"state"`
}

// TickFrame is one world tick.
type TickFrame struct {
	Type  string           `msgpack:"type"`
	Tick  uint64           `msgpack:"tick"`
	State types.AgentState `msgpack:"state"`
}

// EventFrame is a world event other than a tick or kick.
type EventFrame struct {
	Type    string           `msgpack:"type"`
	Kind    string           `msgpack:"kind"`
	Tick    uint64           `msgpack:"tick"`
	Message string           `msgpack:"message,omitempty"`
	State   types.AgentState `msgpack:"state"`
}

// KickedFrame ends the session.
type KickedFrame struct {
	Type   string `msgpack:"type"`
	Tick   uint64 `msgpack:"tick"`
	Reason string `msgpack:"reason"`
}

// Operation names carried by CallFrame.Op.
const (
	OpObserve    = "observe"
	OpMoveTo     = "move_to"
	OpStopMoving = "stop_moving"
	OpTeleport   = "teleport"
	OpDismount   = "dismount"
	OpChat       = "chat"
	OpGive       = "give"
	OpEquip      = "equip"
	OpReset      = "reset"
	OpSetRule    = "set_rule"
	OpSpread     = "spread"
	OpPause      = "pause"
	OpFindBlocks = "find_blocks"
	OpSetBlock   = "set_block"
	OpPlace      = "place"
	OpDig        = "dig"
)

// CallArgs holds the arguments of every operation. Each op reads the
// fields it needs.
type CallArgs struct {
	Pos      types.Vec3       `msgpack:"pos,omitempty"`
	Range    float64          `msgpack:"range,omitempty"`
	Message  string           `msgpack:"message,omitempty"`
	Item     string           `msgpack:"item,omitempty"`
	N        int              `msgpack:"n,omitempty"`
	Slot     string           `msgpack:"slot,omitempty"`
	Rule     string           `msgpack:"rule,omitempty"`
	Value    bool             `msgpack:"value,omitempty"`
	Distance int              `msgpack:"distance,omitempty"`
	MaxRange int              `msgpack:"max_range,omitempty"`
	Query    types.BlockQuery `msgpack:"query,omitempty"`
	Name     string           `msgpack:"name,omitempty"`
}

// CallFrame invokes Op with Args. The server answers with a ReplyFrame
// carrying the same ID.
type CallFrame struct {
	Type string   `msgpack:"type"`
	ID   uint64   `msgpack:"id"`
	Op   string   `msgpack:"op"`
	Args CallArgs `msgpack:"args"`
}

// NewCall builds a call frame.
func NewCall(id uint64, op string, args CallArgs) *CallFrame {
	return &CallFrame{Type: TypeCall, ID: id, Op: op, Args: args}
}

// CallResult holds the result of the operations that return data.
type CallResult struct {
	Snapshot *types.Snapshot `msgpack:"snapshot,omitempty"`
	Blocks   []types.Vec3    `msgpack:"blocks,omitempty"`
}

// ReplyFrame answers a call. Error is empty on success.
type ReplyFrame struct {
	Type   string     `msgpack:"type"`
	ID     uint64     `msgpack:"id"`
	Result CallResult `msgpack:"result"`
	Error  string     `msgpack:"error,omitempty"`
}
