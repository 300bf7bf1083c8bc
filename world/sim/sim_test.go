package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/types"
	"github.com/pithecene-io/stepwise/world"
)

func newTestWorld(t *testing.T) *World {
	t.Helper()
	return New(Config{Seed: 1, Size: 32, Features: []Feature{}}, log.Nop())
}

func dial(t *testing.T, w *World, name string) world.Conn {
	t.Helper()
	c, err := w.Dial(context.Background(), world.DialOptions{Username: name})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// stepN ticks the world n times, draining events so delivery never blocks.
func stepN(t *testing.T, w *World, c world.Conn, n int) []world.Event {
	t.Helper()
	var out []world.Event
	for range n {
		w.Step()
		for drained := false; !drained; {
			select {
			case ev, ok := <-c.Events():
				if !ok {
					return out
				}
				out = append(out, ev)
			default:
				drained = true
			}
		}
	}
	return out
}

func TestStep_DeliversTicksInOrder(t *testing.T) {
	w := newTestWorld(t)
	c := dial(t, w, "bot")

	events := stepN(t, w, c, 3)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Kind != world.EventTick {
			t.Errorf("event[%d].Kind = %q, want tick", i, ev.Kind)
		}
		if ev.Tick != uint64(i+1) {
			t.Errorf("event[%d].Tick = %d, want %d", i, ev.Tick, i+1)
		}
	}
}

func TestMoveTo_ReachesGoal(t *testing.T) {
	w := newTestWorld(t)
	c := dial(t, w, "bot")
	ctx := context.Background()

	goal := w.Spawn().Add(5, 0, 0)
	if err := c.MoveTo(ctx, goal, 1); err != nil {
		t.Fatalf("MoveTo() error = %v", err)
	}
	if !c.State().Moving {
		t.Fatal("Moving = false after MoveTo")
	}
	stepN(t, w, c, 40)

	st := c.State()
	if st.Moving {
		t.Errorf("Moving = true after 40 ticks, position %s", st.Position)
	}
	if d := st.Position.DistanceTo(goal); d > 1 {
		t.Errorf("distance to goal = %v, want <= 1", d)
	}
}

func TestMoveTo_DetoursAroundWall(t *testing.T) {
	w := newTestWorld(t)
	c := dial(t, w, "bot")
	ctx := context.Background()

	// Wall two blocks high across z in [-2, 2] at x = 3, open beyond.
	base := w.Spawn().Floor()
	for z := -2.0; z <= 2; z++ {
		for y := 0.0; y < 2; y++ {
			if err := c.SetBlock(ctx, base.Add(3, y, z), "stone"); err != nil {
				t.Fatalf("SetBlock() error = %v", err)
			}
		}
	}
	goal := w.Spawn().Add(6, 0, 0)
	if err := c.MoveTo(ctx, goal, 1); err != nil {
		t.Fatalf("MoveTo() error = %v", err)
	}
	stepN(t, w, c, 200)

	st := c.State()
	if st.Moving {
		t.Fatalf("Moving = true, agent stuck at %s", st.Position)
	}
	if d := st.Position.DistanceTo(goal); d > 1 {
		t.Errorf("distance to goal = %v, want <= 1", d)
	}
}

func TestMoveTo_BoxedInStaysMoving(t *testing.T) {
	w := newTestWorld(t)
	c := dial(t, w, "bot")
	ctx := context.Background()

	base := w.Spawn().Floor()
	for _, d := range [][2]float64{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
		for y := 0.0; y < 3; y++ {
			_ = c.SetBlock(ctx, base.Add(d[0], y, d[1]), "stone")
		}
	}
	start := c.State().Position
	_ = c.MoveTo(ctx, w.Spawn().Add(10, 0, 0), 1)
	stepN(t, w, c, 20)

	st := c.State()
	if !st.Moving {
		t.Error("Moving = false, want true while boxed in")
	}
	if st.Position != start {
		t.Errorf("Position = %s, want %s", st.Position, start)
	}
}

func TestPause_FreezesMovementButTicks(t *testing.T) {
	w := newTestWorld(t)
	c := dial(t, w, "bot")
	ctx := context.Background()

	if err := c.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	start := c.State().Position
	_ = c.MoveTo(ctx, w.Spawn().Add(5, 0, 0), 1)
	if got := len(stepN(t, w, c, 5)); got != 5 {
		t.Errorf("ticks while paused = %d, want 5", got)
	}
	if c.State().Position != start {
		t.Error("agent moved while paused")
	}

	snap, err := c.Observe(ctx)
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if !snap.Paused {
		t.Error("Snapshot.Paused = false")
	}

	_ = c.Pause(ctx)
	stepN(t, w, c, 5)
	if c.State().Position == start {
		t.Error("agent did not move after unpause")
	}
}

func TestDig_DropsOnlyWithTileDrops(t *testing.T) {
	w := newTestWorld(t)
	c := dial(t, w, "bot")
	ctx := context.Background()

	below := w.Spawn().Add(0, -1, 0)
	if err := c.Dig(ctx, below); err != nil {
		t.Fatalf("Dig() error = %v", err)
	}
	if got := c.State().Count("dirt"); got != 1 {
		t.Errorf("dirt = %d, want 1", got)
	}
	if got := w.Block(below); got != types.BlockAir {
		t.Errorf("Block() = %q, want air", got)
	}

	_ = c.SetRule(ctx, world.RuleTileDrops, false)
	if err := c.Dig(ctx, below.Add(1, 0, 0)); err != nil {
		t.Fatalf("Dig() error = %v", err)
	}
	if got := c.State().Count("dirt"); got != 1 {
		t.Errorf("dirt after no-drop dig = %d, want 1", got)
	}

	if err := c.Dig(ctx, below.Add(40, 0, 0)); !errors.Is(err, ErrOutOfReach) {
		t.Errorf("Dig() far error = %v, want ErrOutOfReach", err)
	}
}

func TestPlace(t *testing.T) {
	w := newTestWorld(t)
	c := dial(t, w, "bot")
	ctx := context.Background()
	target := w.Spawn().Add(1, 0, 0)

	if err := c.Place(ctx, "cobblestone", target); !errors.Is(err, ErrMissingItem) {
		t.Errorf("Place() without item error = %v, want ErrMissingItem", err)
	}
	_ = c.Give(ctx, "cobblestone", 2)
	if err := c.Place(ctx, "cobblestone", target); err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if got := w.Block(target); got != "cobblestone" {
		t.Errorf("Block() = %q, want cobblestone", got)
	}
	if err := c.Place(ctx, "cobblestone", target); !errors.Is(err, ErrOccupied) {
		t.Errorf("Place() on block error = %v, want ErrOccupied", err)
	}
	if got := c.State().Count("cobblestone"); got != 1 {
		t.Errorf("cobblestone = %d, want 1", got)
	}
}

func TestFindBlocks_NearestFirst(t *testing.T) {
	w := newTestWorld(t)
	c := dial(t, w, "bot")
	ctx := context.Background()

	base := w.Spawn().Floor()
	_ = c.SetBlock(ctx, base.Add(4, 0, 0), "oak_log")
	_ = c.SetBlock(ctx, base.Add(2, 0, 0), "oak_log")

	got, err := c.FindBlocks(ctx, types.BlockQuery{Name: "oak_log", MaxDistance: 8, Count: 5})
	if err != nil {
		t.Fatalf("FindBlocks() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("found %d blocks, want 2", len(got))
	}
	if got[0] != base.Add(2, 0, 0) {
		t.Errorf("nearest = %s, want %s", got[0], base.Add(2, 0, 0))
	}

	air, _ := c.FindBlocks(ctx, types.BlockQuery{MaxDistance: 1, Count: 27})
	if len(air) == 0 {
		t.Error("no air found around spawn")
	}
}

func TestKill_RespectsKeepInventory(t *testing.T) {
	tests := []struct {
		name string
		keep bool
		want int
	}{
		{"keep", true, 3},
		{"lose", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWorld(t)
			c := dial(t, w, "bot")
			ctx := context.Background()
			_ = c.SetRule(ctx, world.RuleKeepInventory, tt.keep)
			_ = c.Give(ctx, "coal", 3)

			done := make(chan world.Event, 1)
			go func() { done <- <-c.Events() }()
			if err := w.Kill("bot"); err != nil {
				t.Fatalf("Kill() error = %v", err)
			}
			if ev := <-done; ev.Kind != world.EventDeath {
				t.Errorf("event kind = %q, want death", ev.Kind)
			}
			if got := c.State().Count("coal"); got != tt.want {
				t.Errorf("coal = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestKick_ClosesEvents(t *testing.T) {
	w := newTestWorld(t)
	c := dial(t, w, "bot")

	go func() { _ = w.Kick("bot", "bye") }()

	ev, ok := <-c.Events()
	if !ok || ev.Kind != world.EventKicked || ev.Message != "bye" {
		t.Fatalf("first event = %+v (ok=%v), want kicked bye", ev, ok)
	}
	if _, ok := <-c.Events(); ok {
		t.Error("events channel still open after kick")
	}
	if err := c.Chat(context.Background(), "hi"); !errors.Is(err, world.ErrClosed) {
		t.Errorf("Chat() after kick error = %v, want ErrClosed", err)
	}
	if len(w.Agents()) != 0 {
		t.Errorf("Agents() = %v, want none", w.Agents())
	}
}

func TestDial_DuplicateKicksPrevious(t *testing.T) {
	w := newTestWorld(t)
	first, err := w.Dial(context.Background(), world.DialOptions{Username: "bot"})
	if err != nil {
		t.Fatal(err)
	}
	kicked := make(chan world.Event, 1)
	go func() {
		for ev := range first.Events() {
			kicked <- ev
		}
		close(kicked)
	}()

	dial(t, w, "bot")

	ev := <-kicked
	if ev.Kind != world.EventKicked {
		t.Errorf("first conn event = %q, want kicked", ev.Kind)
	}
	if got := w.Agents(); len(got) != 1 {
		t.Errorf("Agents() = %v, want one", got)
	}
}

func TestSpread_KeepsDistance(t *testing.T) {
	w := newTestWorld(t)
	a := dial(t, w, "a")
	b := dial(t, w, "b")
	ctx := context.Background()

	if err := b.Spread(ctx, 10, 30); err != nil {
		t.Fatalf("Spread() error = %v", err)
	}
	if d := a.State().Position.DistanceTo(b.State().Position); d < 10 {
		t.Errorf("distance after spread = %v, want >= 10", d)
	}
}

func TestGive_InventoryFull(t *testing.T) {
	w := newTestWorld(t)
	c := dial(t, w, "bot")
	ctx := context.Background()

	if err := c.Give(ctx, "dirt", inventorySize*stackSize); err != nil {
		t.Fatalf("Give() error = %v", err)
	}
	if got := c.State().InventoryUsed; got != inventorySize {
		t.Errorf("InventoryUsed = %d, want %d", got, inventorySize)
	}
	if err := c.Give(ctx, "coal", 1); !errors.Is(err, ErrInventoryFull) {
		t.Errorf("Give() error = %v, want ErrInventoryFull", err)
	}
}

func TestDial_RejoinRestoresPlayerData(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()

	first, err := w.Dial(ctx, world.DialOptions{Username: "bot"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	_ = first.Give(ctx, "coal", 5)
	_ = first.Equip(ctx, "armor.head", "iron_helmet")
	_ = first.Close()

	second := dial(t, w, "bot")
	snap, err := second.Observe(ctx)
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if got := snap.State.Count("coal"); got != 5 {
		t.Errorf("coal = %d after rejoin, want 5", got)
	}
	if snap.Equipment[0] != "iron_helmet" {
		t.Errorf("Equipment = %v, want helmet kept", snap.Equipment)
	}
}
