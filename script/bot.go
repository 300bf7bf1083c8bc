package script

import (
	"context"
	"errors"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/pithecene-io/stepwise/tick"
	"github.com/pithecene-io/stepwise/types"
)

// DefaultMoveTimeout bounds bot.move_to when no timeout is given, in ticks.
const DefaultMoveTimeout = 1200

// World is the set of world operations exposed to step code.
// world.Conn satisfies it.
type World interface {
	State() types.AgentState
	MoveTo(ctx context.Context, goal types.Vec3, rng float64) error
	StopMoving(ctx context.Context) error
	Chat(ctx context.Context, message string) error
	FindBlocks(ctx context.Context, q types.BlockQuery) ([]types.Vec3, error)
	Place(ctx context.Context, item string, pos types.Vec3) error
	Dig(ctx context.Context, pos types.Vec3) error
}

// Clock is the tick source blocking capabilities wait on.
// *tick.Clock satisfies it.
type Clock interface {
	Now() uint64
	WaitTicks(ctx context.Context, n int) error
}

// Host binds a VM to its step.
type Host struct {
	World World
	Clock Clock
	// OnLog receives print output.
	OnLog func(message string)
	// OnAsyncError receives errors raised by scheduled callbacks.
	OnAsyncError func(err *Error)
}

// register installs the bot table and redirects print.
func (v *VM) register() {
	L := v.L
	bot := L.NewTable()
	L.SetFuncs(bot, map[string]lua.LGFunction{
		"position":    v.botPosition,
		"state":       v.botState,
		"move_to":     v.botMoveTo,
		"stop":        v.botStop,
		"wait_ticks":  v.botWaitTicks,
		"chat":        v.botChat,
		"inventory":   v.botInventory,
		"count":       v.botCount,
		"find_blocks": v.botFindBlocks,
		"place":       v.botPlace,
		"dig":         v.botDig,
		"after":       v.botAfter,
		"tick":        v.botTick,
	})
	L.SetGlobal("bot", bot)
	L.SetGlobal("print", L.NewFunction(v.print))
}

func (v *VM) print(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	if v.host.OnLog != nil {
		v.host.OnLog(strings.Join(parts, "\t"))
	}
	return 0
}

// wait blocks for n ticks, running due callbacks after each one.
func (v *VM) wait(L *lua.LState, n int) {
	for range n {
		if err := v.host.Clock.WaitTicks(v.ctx, 1); err != nil {
			v.interrupt = err
			if errors.Is(err, tick.ErrStopped) {
				L.RaiseError("session stopped")
			}
			L.RaiseError("interrupted: %v", err)
		}
		v.runDue()
		if v.interrupt != nil {
			L.RaiseError("interrupted: %v", v.interrupt)
		}
	}
}

func (v *VM) fail(L *lua.LState, op string, err error) {
	if cerr := v.ctx.Err(); cerr != nil {
		v.interrupt = cerr
	}
	L.RaiseError("%s: %v", op, err)
}

func vecTable(L *lua.LState, p types.Vec3) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("x", lua.LNumber(p.X))
	t.RawSetString("y", lua.LNumber(p.Y))
	t.RawSetString("z", lua.LNumber(p.Z))
	return t
}

func checkVec(L *lua.LState, from int) types.Vec3 {
	return types.Vec3{
		X: float64(L.CheckNumber(from)),
		Y: float64(L.CheckNumber(from + 1)),
		Z: float64(L.CheckNumber(from + 2)),
	}
}

func (v *VM) botPosition(L *lua.LState) int {
	L.Push(vecTable(L, v.host.World.State().Position))
	return 1
}

func (v *VM) botState(L *lua.LState) int {
	st := v.host.World.State()
	t := L.NewTable()
	t.RawSetString("position", vecTable(L, st.Position))
	t.RawSetString("moving", lua.LBool(st.Moving))
	t.RawSetString("health", lua.LNumber(st.Health))
	t.RawSetString("food", lua.LNumber(st.Food))
	t.RawSetString("inventory_used", lua.LNumber(st.InventoryUsed))
	L.Push(t)
	return 1
}

func (v *VM) botTick(L *lua.LState) int {
	L.Push(lua.LNumber(v.host.Clock.Now()))
	return 1
}

// botMoveTo implements bot.move_to(x, y, z [, range [, timeout]]).
// Returns true once the goal is reached, false on timeout.
func (v *VM) botMoveTo(L *lua.LState) int {
	goal := checkVec(L, 1)
	rng := float64(L.OptNumber(4, 1))
	timeout := L.OptInt(5, DefaultMoveTimeout)

	if err := v.host.World.MoveTo(v.ctx, goal, rng); err != nil {
		v.fail(L, "move_to", err)
	}
	for elapsed := 1; ; elapsed++ {
		v.wait(L, 1)
		st := v.host.World.State()
		if !st.Moving {
			L.Push(lua.LBool(st.Position.DistanceTo(goal) <= rng))
			return 1
		}
		if timeout > 0 && elapsed >= timeout {
			if err := v.host.World.StopMoving(v.ctx); err != nil {
				v.fail(L, "move_to", err)
			}
			L.Push(lua.LFalse)
			return 1
		}
	}
}

func (v *VM) botStop(L *lua.LState) int {
	if err := v.host.World.StopMoving(v.ctx); err != nil {
		v.fail(L, "stop", err)
	}
	return 0
}

func (v *VM) botWaitTicks(L *lua.LState) int {
	v.wait(L, L.CheckInt(1))
	return 0
}

func (v *VM) botChat(L *lua.LState) int {
	if err := v.host.World.Chat(v.ctx, L.CheckString(1)); err != nil {
		v.fail(L, "chat", err)
	}
	return 0
}

func (v *VM) botInventory(L *lua.LState) int {
	t := L.NewTable()
	for item, n := range v.host.World.State().Inventory {
		t.RawSetString(item, lua.LNumber(n))
	}
	L.Push(t)
	return 1
}

func (v *VM) botCount(L *lua.LState) int {
	L.Push(lua.LNumber(v.host.World.State().Count(L.CheckString(1))))
	return 1
}

// botFindBlocks implements bot.find_blocks(name, radius [, count]).
func (v *VM) botFindBlocks(L *lua.LState) int {
	q := types.BlockQuery{
		Name:        L.CheckString(1),
		MaxDistance: L.CheckInt(2),
		Count:       L.OptInt(3, 1),
	}
	found, err := v.host.World.FindBlocks(v.ctx, q)
	if err != nil {
		v.fail(L, "find_blocks", err)
	}
	t := L.CreateTable(len(found), 0)
	for _, p := range found {
		t.Append(vecTable(L, p))
	}
	L.Push(t)
	return 1
}

func (v *VM) botPlace(L *lua.LState) int {
	item := L.CheckString(1)
	if err := v.host.World.Place(v.ctx, item, checkVec(L, 2)); err != nil {
		v.fail(L, "place", err)
	}
	return 0
}

func (v *VM) botDig(L *lua.LState) int {
	if err := v.host.World.Dig(v.ctx, checkVec(L, 1)); err != nil {
		v.fail(L, "dig", err)
	}
	return 0
}

// botAfter implements bot.after(ticks, fn). fn runs on the script
// goroutine once ticks have elapsed, either while the main chunk is blocked
// in a wait or after it returns.
func (v *VM) botAfter(L *lua.LState) int {
	delay := L.CheckInt(1)
	fn := L.CheckFunction(2)
	v.schedule(delay, fn)
	return 0
}
