// Package stuck detects an agent that is trying to move but is not making
// progress, and relocates it.
package stuck

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/types"
)

// Defaults for Config.
const (
	DefaultThreshold   = 100
	DefaultDistance    = 1.5
	DefaultHistorySize = 5
)

// Sample is one recorded agent position.
type Sample struct {
	Tick     uint64
	Position types.Vec3
}

// History is a bounded FIFO of samples. The oldest sample is evicted when
// a sample arrives at capacity.
type History struct {
	samples []Sample
	size    int
}

// NewHistory creates a history holding at most size samples.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{samples: make([]Sample, 0, size), size: size}
}

// Push appends s, evicting the oldest sample when full.
func (h *History) Push(s Sample) {
	if len(h.samples) == h.size {
		copy(h.samples, h.samples[1:])
		h.samples = h.samples[:h.size-1]
	}
	h.samples = append(h.samples, s)
}

// Len returns the number of samples held.
func (h *History) Len() int { return len(h.samples) }

// Full returns true when the history holds size samples.
func (h *History) Full() bool { return len(h.samples) == h.size }

// Oldest returns the oldest sample. ok is false when empty.
func (h *History) Oldest() (Sample, bool) {
	if len(h.samples) == 0 {
		return Sample{}, false
	}
	return h.samples[0], true
}

// Newest returns the newest sample. ok is false when empty.
func (h *History) Newest() (Sample, bool) {
	if len(h.samples) == 0 {
		return Sample{}, false
	}
	return h.samples[len(h.samples)-1], true
}

// Samples returns a copy of the held samples, oldest first.
func (h *History) Samples() []Sample {
	return append([]Sample(nil), h.samples...)
}

// Reset drops all samples.
func (h *History) Reset() { h.samples = h.samples[:0] }

// Relocator moves a stuck agent. Implementations log failures rather than
// returning them.
type Relocator interface {
	Relocate(state types.AgentState)
}

// RelocatorFunc adapts a function to Relocator.
type RelocatorFunc func(state types.AgentState)

// Relocate calls f.
func (f RelocatorFunc) Relocate(state types.AgentState) { f(state) }

// Config tunes a Detector.
type Config struct {
	// Threshold is the number of moving ticks between evaluations.
	Threshold int
	// Distance is the minimum displacement across the history window.
	Distance float64
	// HistorySize is the history capacity. Samples are spaced
	// Threshold/HistorySize moving ticks apart, so a full window spans most
	// of one evaluation period.
	HistorySize int
}

// sampleInterval returns the number of moving ticks between samples.
func (c Config) sampleInterval() int {
	return max(1, c.Threshold/c.HistorySize)
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Distance <= 0 {
		c.Distance = DefaultDistance
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Detector samples the agent while a movement goal is active and triggers
// a Relocator when the agent has not moved far enough across the window.
//
// OnTick is called from the tick pump only. Detector is not safe for
// concurrent OnTick calls.
type Detector struct {
	cfg       Config
	history   *History
	counter   int
	relocator Relocator
	logger    *log.Logger

	mu          sync.Mutex
	relocations int
}

// NewDetector creates a detector.
func NewDetector(cfg Config, relocator Relocator, logger *log.Logger) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		cfg:       cfg,
		history:   NewHistory(cfg.HistorySize),
		relocator: relocator,
		logger:    logger,
	}
}

// OnTick records one tick. Ticks while the agent is not moving are ignored.
func (d *Detector) OnTick(tick uint64, state types.AgentState) {
	if !state.Moving {
		return
	}
	d.counter++
	if d.counter%d.cfg.sampleInterval() == 0 || d.counter >= d.cfg.Threshold {
		d.history.Push(Sample{Tick: tick, Position: state.Position})
	}
	if d.counter < d.cfg.Threshold {
		return
	}
	d.counter = 0

	if !d.history.Full() {
		return
	}
	oldest, _ := d.history.Oldest()
	newest, _ := d.history.Newest()
	moved := oldest.Position.DistanceTo(newest.Position)
	if moved >= d.cfg.Distance {
		return
	}

	d.mu.Lock()
	d.relocations++
	d.mu.Unlock()
	d.logger.Info("agent stuck, relocating", map[string]any{
		"tick":     tick,
		"position": state.Position.String(),
		"moved":    moved,
	})
	if d.relocator != nil {
		d.relocator.Relocate(state)
	}
}

// Counter returns the number of moving ticks since the last evaluation.
func (d *Detector) Counter() int { return d.counter }

// History returns the sample history.
func (d *Detector) History() *History { return d.history }

// Relocations returns the number of recoveries triggered.
func (d *Detector) Relocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.relocations
}

// Reset clears history and counter.
func (d *Detector) Reset() {
	d.history.Reset()
	d.counter = 0
}

// World is the part of a world connection a relocation needs.
type World interface {
	FindBlocks(ctx context.Context, q types.BlockQuery) ([]types.Vec3, error)
	Teleport(ctx context.Context, pos types.Vec3) error
}

// Relocation search parameters.
const (
	relocateRadius = 1
	relocateCount  = 27
	// relocateLift is the vertical nudge applied when no free cell is found.
	relocateLift = 1.25
)

// Recorder receives recovery outcomes. metrics.Collector satisfies it.
type Recorder interface {
	IncRecovery()
	IncRecoveryMiss()
}

// WorldRelocator teleports the agent to a random free cell next to it, or
// straight up when there is none.
type WorldRelocator struct {
	World    World
	Rand     *rand.Rand
	Logger   *log.Logger
	Recorder Recorder
	// OnRelocate is called with the chosen destination after a successful
	// teleport.
	OnRelocate func(to types.Vec3)

	mu sync.Mutex
}

// RelocateContext performs the recovery. Failures are logged and counted.
func (r *WorldRelocator) RelocateContext(ctx context.Context, state types.AgentState) {
	dest, err := r.destination(ctx, state.Position)
	if err != nil {
		r.miss("find free cell", err)
		return
	}
	if err := r.World.Teleport(ctx, dest); err != nil {
		r.miss("teleport", err)
		return
	}
	if r.Recorder != nil {
		r.Recorder.IncRecovery()
	}
	if r.OnRelocate != nil {
		r.OnRelocate(dest)
	}
}

// Relocate performs the recovery with a background context.
func (r *WorldRelocator) Relocate(state types.AgentState) {
	r.RelocateContext(context.Background(), state)
}

func (r *WorldRelocator) destination(ctx context.Context, from types.Vec3) (types.Vec3, error) {
	cells, err := r.World.FindBlocks(ctx, types.BlockQuery{
		Name:        types.BlockAir,
		MaxDistance: relocateRadius,
		Count:       relocateCount,
	})
	if err != nil {
		return types.Vec3{}, err
	}
	if len(cells) == 0 {
		return from.Add(0, relocateLift, 0), nil
	}
	return cells[r.intn(len(cells))], nil
}

func (r *WorldRelocator) intn(n int) int {
	if r.Rand == nil {
		return rand.Intn(n) //nolint:gosec // placement choice, not security sensitive
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Rand.Intn(n)
}

func (r *WorldRelocator) miss(op string, err error) {
	r.Logger.Warn("stuck recovery failed", map[string]any{
		"op":    op,
		"error": err.Error(),
	})
	if r.Recorder != nil {
		r.Recorder.IncRecoveryMiss()
	}
}

// AsyncRelocator runs relocations off the tick pump so that a world round
// trip never blocks tick delivery.
type AsyncRelocator struct {
	ctx   context.Context
	inner *WorldRelocator

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncRelocator wraps inner. Relocations are issued under ctx.
func NewAsyncRelocator(ctx context.Context, inner *WorldRelocator) *AsyncRelocator {
	return &AsyncRelocator{ctx: ctx, inner: inner}
}

// Relocate starts a relocation and returns immediately.
// Relocations requested after Close are ignored.
func (a *AsyncRelocator) Relocate(state types.AgentState) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		a.inner.RelocateContext(a.ctx, state)
	}()
}

// Wait blocks until all started relocations have finished.
func (a *AsyncRelocator) Wait() {
	a.wg.Wait()
}

// Close refuses further relocations and waits for running ones.
func (a *AsyncRelocator) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}
