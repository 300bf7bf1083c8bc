package stuck

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/pithecene-io/stepwise/types"
)

func moving(x float64) types.AgentState {
	return types.AgentState{Position: types.Vec3{X: x, Y: 64}, Moving: true}
}

func TestHistory_EvictsOldest(t *testing.T) {
	h := NewHistory(5)
	for i := range 6 {
		h.Push(Sample{Tick: uint64(i + 1)})
	}
	if h.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", h.Len())
	}
	oldest, _ := h.Oldest()
	if oldest.Tick != 2 {
		t.Errorf("Oldest().Tick = %d, want 2", oldest.Tick)
	}
	newest, _ := h.Newest()
	if newest.Tick != 6 {
		t.Errorf("Newest().Tick = %d, want 6", newest.Tick)
	}
}

func TestHistory_Empty(t *testing.T) {
	h := NewHistory(0)
	if _, ok := h.Oldest(); ok {
		t.Error("Oldest() ok = true on empty history")
	}
	if h.Full() {
		t.Error("Full() = true on empty history")
	}
}

func TestDetector_StationaryTriggersOnce(t *testing.T) {
	var calls int
	d := NewDetector(Config{}, RelocatorFunc(func(types.AgentState) { calls++ }), nil)

	for tick := uint64(1); tick <= 100; tick++ {
		d.OnTick(tick, moving(0))
	}
	if calls != 1 {
		t.Errorf("relocations after 100 ticks = %d, want 1", calls)
	}
	if d.Counter() != 0 {
		t.Errorf("Counter() = %d, want 0 after evaluation", d.Counter())
	}

	for tick := uint64(101); tick <= 199; tick++ {
		d.OnTick(tick, moving(0))
	}
	if calls != 1 {
		t.Errorf("relocations after 199 ticks = %d, want 1", calls)
	}
	d.OnTick(200, moving(0))
	if calls != 2 {
		t.Errorf("relocations after 200 ticks = %d, want 2", calls)
	}
	if d.Relocations() != 2 {
		t.Errorf("Relocations() = %d, want 2", d.Relocations())
	}
}

func TestDetector_ProgressDoesNotTrigger(t *testing.T) {
	var calls int
	d := NewDetector(Config{}, RelocatorFunc(func(types.AgentState) { calls++ }), nil)

	// 0.25 blocks per tick is the sim walking speed.
	for tick := uint64(1); tick <= 300; tick++ {
		d.OnTick(tick, moving(float64(tick)*0.25))
	}
	if calls != 0 {
		t.Errorf("relocations of an agent that walked 75 blocks = %d, want 0", calls)
	}
	if d.History().Len() != DefaultHistorySize {
		t.Errorf("History().Len() = %d, want %d", d.History().Len(), DefaultHistorySize)
	}
	oldest, _ := d.History().Oldest()
	if oldest.Tick != 220 {
		t.Errorf("oldest sample tick = %d, want 220", oldest.Tick)
	}
}

func TestDetector_SlowCrawlTriggers(t *testing.T) {
	var calls int
	d := NewDetector(Config{}, RelocatorFunc(func(types.AgentState) { calls++ }), nil)

	// 0.01 blocks per tick covers 0.8 blocks across the 80-tick window.
	for tick := uint64(1); tick <= 100; tick++ {
		d.OnTick(tick, moving(float64(tick)*0.01))
	}
	if calls != 1 {
		t.Errorf("relocations = %d, want 1", calls)
	}
}

func TestDetector_SampleSpacing(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		ticks uint64
		want  []uint64
	}{
		{"default", Config{}, 100, []uint64{20, 40, 60, 80, 100}},
		{"uneven threshold", Config{Threshold: 104}, 104, []uint64{40, 60, 80, 100, 104}},
		{"threshold below history size", Config{Threshold: 3}, 4, []uint64{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(tt.cfg, nil, nil)
			for tick := uint64(1); tick <= tt.ticks; tick++ {
				d.OnTick(tick, moving(0))
			}
			samples := d.History().Samples()
			if len(samples) != len(tt.want) {
				t.Fatalf("samples = %+v, want ticks %v", samples, tt.want)
			}
			for i, s := range samples {
				if s.Tick != tt.want[i] {
					t.Errorf("sample %d tick = %d, want %d", i, s.Tick, tt.want[i])
				}
			}
		})
	}
}

func TestDetector_IdleTicksIgnored(t *testing.T) {
	var calls int
	d := NewDetector(Config{}, RelocatorFunc(func(types.AgentState) { calls++ }), nil)

	for tick := uint64(1); tick <= 500; tick++ {
		d.OnTick(tick, types.AgentState{})
	}
	if calls != 0 || d.Counter() != 0 || d.History().Len() != 0 {
		t.Errorf("idle ticks recorded: calls=%d counter=%d history=%d", calls, d.Counter(), d.History().Len())
	}
}

func TestDetector_SmallThreshold(t *testing.T) {
	var calls int
	d := NewDetector(Config{Threshold: 3}, RelocatorFunc(func(types.AgentState) { calls++ }), nil)

	// History not yet full at the first evaluation.
	for tick := uint64(1); tick <= 3; tick++ {
		d.OnTick(tick, moving(0))
	}
	if calls != 0 {
		t.Errorf("relocations with partial history = %d, want 0", calls)
	}
	for tick := uint64(4); tick <= 6; tick++ {
		d.OnTick(tick, moving(0))
	}
	if calls != 1 {
		t.Errorf("relocations with full history = %d, want 1", calls)
	}
}

type fakeWorld struct {
	mu         sync.Mutex
	cells      []types.Vec3
	findErr    error
	teleported []types.Vec3
}

func (w *fakeWorld) FindBlocks(_ context.Context, q types.BlockQuery) ([]types.Vec3, error) {
	if q.Name != types.BlockAir || q.MaxDistance != 1 || q.Count != 27 {
		return nil, errors.New("unexpected query")
	}
	return w.cells, w.findErr
}

func (w *fakeWorld) Teleport(_ context.Context, pos types.Vec3) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.teleported = append(w.teleported, pos)
	return nil
}

type countingRecorder struct{ ok, miss int }

func (r *countingRecorder) IncRecovery()     { r.ok++ }
func (r *countingRecorder) IncRecoveryMiss() { r.miss++ }

func TestWorldRelocator_PicksFreeCell(t *testing.T) {
	cells := []types.Vec3{{X: 1}, {X: 2}, {X: 3}}
	w := &fakeWorld{cells: cells}
	rec := &countingRecorder{}
	r := &WorldRelocator{World: w, Rand: rand.New(rand.NewSource(7)), Recorder: rec}

	r.Relocate(moving(0))

	if len(w.teleported) != 1 {
		t.Fatalf("teleports = %d, want 1", len(w.teleported))
	}
	found := false
	for _, c := range cells {
		if c == w.teleported[0] {
			found = true
		}
	}
	if !found {
		t.Errorf("teleported to %v, want one of %v", w.teleported[0], cells)
	}
	if rec.ok != 1 {
		t.Errorf("recoveries = %d, want 1", rec.ok)
	}
}

func TestWorldRelocator_NoFreeCellLifts(t *testing.T) {
	w := &fakeWorld{}
	r := &WorldRelocator{World: w}

	r.Relocate(types.AgentState{Position: types.Vec3{X: 5, Y: 64, Z: 5}, Moving: true})

	want := types.Vec3{X: 5, Y: 65.25, Z: 5}
	if len(w.teleported) != 1 || w.teleported[0] != want {
		t.Errorf("teleported = %v, want [%v]", w.teleported, want)
	}
}

func TestWorldRelocator_FailureIsCounted(t *testing.T) {
	w := &fakeWorld{findErr: errors.New("gone")}
	rec := &countingRecorder{}
	r := &WorldRelocator{World: w, Recorder: rec}

	r.Relocate(moving(0))

	if len(w.teleported) != 0 {
		t.Errorf("teleported = %v, want none", w.teleported)
	}
	if rec.miss != 1 {
		t.Errorf("misses = %d, want 1", rec.miss)
	}
}

func TestAsyncRelocator_Wait(t *testing.T) {
	w := &fakeWorld{}
	a := NewAsyncRelocator(context.Background(), &WorldRelocator{World: w})

	a.Relocate(moving(0))
	a.Relocate(moving(1))
	a.Wait()

	if len(w.teleported) != 2 {
		t.Errorf("teleports = %d, want 2", len(w.teleported))
	}
}

func TestAsyncRelocator_Close(t *testing.T) {
	w := &fakeWorld{}
	a := NewAsyncRelocator(context.Background(), &WorldRelocator{World: w})

	a.Relocate(moving(0))
	a.Close()
	a.Relocate(moving(1))
	a.Wait()

	if len(w.teleported) != 1 {
		t.Errorf("teleports = %d, want 1", len(w.teleported))
	}
}
