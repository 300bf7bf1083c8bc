// Package sim is an in-process world: a flat block terrain, a fixed-rate
// tick loop and any number of agents. It serves the world.Dialer contract
// for local runs, the world server behind world/remote, and tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/types"
	"github.com/pithecene-io/stepwise/world"
)

// Config configures a World.
type Config struct {
	// TickInterval is the wall time between ticks in Run. Default 50ms.
	TickInterval time.Duration `yaml:"tick_interval"`
	// GroundY is the height of the surface layer. Default 63.
	GroundY int `yaml:"ground_y"`
	// Size is the half extent of the world along X and Z. Default 128.
	Size int `yaml:"size"`
	// Seed drives terrain generation and spread placement.
	Seed int64 `yaml:"seed"`
	// Speed is the walking speed in blocks per tick. Default 0.25.
	Speed float64 `yaml:"speed"`
	// Features are scattered at generation. Nil means DefaultFeatures.
	Features []Feature `yaml:"features"`
	// EventBuffer is the per-agent event channel capacity. Default 256.
	EventBuffer int `yaml:"event_buffer"`
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.GroundY == 0 {
		c.GroundY = 63
	}
	if c.Size <= 0 {
		c.Size = 128
	}
	if c.Speed <= 0 {
		c.Speed = 0.25
	}
	if c.Features == nil {
		c.Features = DefaultFeatures()
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

// Errors returned by world commands.
var (
	ErrOutOfReach    = errors.New("block out of reach")
	ErrMissingItem   = errors.New("item not in inventory")
	ErrOccupied      = errors.New("target block is not air")
	ErrNothingToDig  = errors.New("nothing to dig")
	ErrUnknownAgent  = errors.New("unknown agent")
	ErrInventoryFull = errors.New("inventory full")
)

const (
	reach         = 6.0
	stackSize     = 64
	inventorySize = 36
	maxHealth     = 20
	maxFood       = 20
	voxelRadius   = 8
	spreadTries   = 64
	dayLength     = 24000
)

// layerScanRadius bounds the scan for generated terrain blocks.
const layerScanRadius = 32

// World is the simulated world. Create with New; drive with Run or Step.
type World struct {
	cfg    Config
	logger *log.Logger

	mu        sync.Mutex
	terrain   *terrain
	rng       *rand.Rand
	agents    map[string]*agent
	// saved keeps player data of agents that left, by name.
	saved     map[string]*agent
	rules     map[string]bool
	tick      uint64
	timeOfDay int64
	paused    bool
	spawn     types.Vec3
}

// New creates a world and generates its terrain.
func New(cfg Config, logger *log.Logger) *World {
	cfg = cfg.withDefaults()
	w := &World{
		cfg:     cfg,
		logger:  logger,
		terrain: newTerrain(cfg.GroundY, cfg.Size),
		rng:     rand.New(rand.NewSource(cfg.Seed)), //nolint:gosec // simulation randomness
		agents:  make(map[string]*agent),
		saved:   make(map[string]*agent),
		rules: map[string]bool{
			world.RuleKeepInventory: false,
			world.RuleDaylightCycle: true,
			world.RuleTileDrops:     true,
		},
		timeOfDay: 1000,
	}
	w.spawn = types.Vec3{X: 0.5, Y: float64(w.terrain.standY(0, 0)), Z: 0.5}
	w.terrain.generate(w.rng, cfg.Features, posOf(w.spawn))
	return w
}

// Run ticks the world every TickInterval until ctx is done.
func (w *World) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	w.logger.Info("world running", map[string]any{
		"tick_interval": w.cfg.TickInterval.String(),
		"size":          w.cfg.Size,
		"seed":          w.cfg.Seed,
	})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Step()
		}
	}
}

// Step advances the world by one tick and delivers a tick event to every
// agent. Delivery blocks until each agent accepted the event or closed.
func (w *World) Step() {
	w.mu.Lock()
	w.tick++
	if !w.paused {
		if w.rules[world.RuleDaylightCycle] {
			w.timeOfDay = (w.timeOfDay + 1) % dayLength
		}
		for _, a := range w.agents {
			w.move(a)
		}
	}
	type delivery struct {
		a  *agent
		ev world.Event
	}
	out := make([]delivery, 0, len(w.agents))
	for _, a := range w.agents {
		out = append(out, delivery{a: a, ev: world.Event{Kind: world.EventTick, Tick: w.tick, State: a.state()}})
	}
	w.mu.Unlock()

	for _, d := range out {
		d.a.send(d.ev)
	}
}

// Tick returns the number of ticks since creation.
func (w *World) Tick() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

// Rule returns the value of a world rule.
func (w *World) Rule(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rules[name]
}

// Paused reports whether the world is paused.
func (w *World) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Block returns the block name at pos.
func (w *World) Block(pos types.Vec3) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terrain.get(posOf(pos))
}

// Spawn returns the spawn point.
func (w *World) Spawn() types.Vec3 {
	return w.spawn
}

// Agents returns the names of connected agents, sorted.
func (w *World) Agents() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.agents))
	for n := range w.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dial spawns an agent. A second login under the same name kicks the
// first, as game servers do.
func (w *World) Dial(ctx context.Context, opts world.DialOptions) (world.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Username == "" {
		return nil, errors.New("username must be non-empty")
	}
	if prev := w.agentNamed(opts.Username); prev != nil {
		w.kick(prev, "You logged in from another location")
	}

	w.mu.Lock()
	a := newAgent(opts.Username, w.spawn, w.cfg.EventBuffer)
	if prev, ok := w.saved[a.name]; ok {
		a.restore(prev)
	}
	w.agents[a.name] = a
	w.mu.Unlock()

	w.logger.Info("agent spawned", map[string]any{"username": a.name, "position": a.pos.String()})
	return &conn{w: w, a: a}, nil
}

// Dialer returns w as a world.Dialer.
func (w *World) Dialer() world.Dialer { return w }

// Kill kills the named agent. It respawns at the world spawn and keeps its
// inventory only when keepInventory is on.
func (w *World) Kill(name string) error {
	w.mu.Lock()
	a, ok := w.agents[name]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	w.respawn(a)
	ev := world.Event{Kind: world.EventDeath, Tick: w.tick, State: a.state(), Message: name + " died"}
	w.mu.Unlock()

	a.send(ev)
	return nil
}

// Mount seats the named agent on an entity. A mounted agent does not move.
func (w *World) Mount(name string) error {
	w.mu.Lock()
	a, ok := w.agents[name]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	a.mounted = true
	ev := world.Event{Kind: world.EventMount, Tick: w.tick, State: a.state()}
	w.mu.Unlock()

	a.send(ev)
	return nil
}

// Mounted reports whether the named agent is seated on an entity.
func (w *World) Mounted(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.agents[name]
	return ok && a.mounted
}

// Kick ends the named agent's session with reason.
func (w *World) Kick(name, reason string) error {
	a := w.agentNamed(name)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	w.kick(a, reason)
	return nil
}

// Say broadcasts a chat line from a non-agent source.
func (w *World) Say(from, message string) {
	w.broadcast(fmt.Sprintf("<%s> %s", from, message))
}

func (w *World) agentNamed(name string) *agent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.agents[name]
}

func (w *World) kick(a *agent, reason string) {
	w.mu.Lock()
	w.depart(a)
	tick := w.tick
	w.mu.Unlock()

	w.logger.Info("agent kicked", map[string]any{"username": a.name, "reason": reason})
	a.send(world.Event{Kind: world.EventKicked, Tick: tick, Message: reason})
	a.close()
}

func (w *World) leave(a *agent) {
	w.mu.Lock()
	w.depart(a)
	w.mu.Unlock()
	a.close()
}

// depart removes a and keeps its player data for the next login under the
// same name. Caller holds w.mu.
func (w *World) depart(a *agent) {
	if w.agents[a.name] != a {
		return
	}
	delete(w.agents, a.name)
	w.saved[a.name] = a
}

func (w *World) broadcast(line string) {
	w.mu.Lock()
	targets := make([]*agent, 0, len(w.agents))
	for _, a := range w.agents {
		targets = append(targets, a)
	}
	tick := w.tick
	w.mu.Unlock()

	for _, a := range targets {
		a.send(world.Event{Kind: world.EventChat, Tick: tick, Message: line})
	}
}

// move advances a's movement goal by one tick. Caller holds mu.
func (w *World) move(a *agent) {
	if a.goal == nil || a.mounted {
		return
	}
	if a.pos.DistanceTo(*a.goal) <= a.rng {
		a.goal = nil
		return
	}
	a.pos = w.terrain.advance(a.pos, *a.goal, w.cfg.Speed)
	if a.pos.DistanceTo(*a.goal) <= a.rng {
		a.goal = nil
	}
}

// respawn resets a to the spawn point. Caller holds mu.
func (w *World) respawn(a *agent) {
	if !w.rules[world.RuleKeepInventory] {
		a.clearInventory()
	}
	a.pos = w.spawn
	a.goal = nil
	a.mounted = false
	a.health = maxHealth
	a.food = maxFood
}

// spreadPoint picks a surface point within maxRange of the origin at least
// distance away from every other agent. Caller holds mu.
func (w *World) spreadPoint(self *agent, distance, maxRange int) (types.Vec3, error) {
	maxRange = min(maxRange, w.cfg.Size)
	if maxRange <= 0 {
		return types.Vec3{}, errors.New("spread range must be positive")
	}
	span := 2*maxRange + 1
	for range spreadTries {
		x := w.rng.Intn(span) - maxRange
		z := w.rng.Intn(span) - maxRange
		p := types.Vec3{X: float64(x) + 0.5, Y: float64(w.terrain.standY(x, z)), Z: float64(z) + 0.5}
		ok := true
		for _, o := range w.agents {
			if o != self && o.pos.DistanceTo(p) < float64(distance) {
				ok = false
				break
			}
		}
		if ok {
			return p, nil
		}
	}
	return types.Vec3{}, fmt.Errorf("no spread position within %d blocks", maxRange)
}

// findBlocks returns blocks named q.Name within q.MaxDistance of from,
// nearest first. Placed blocks are found at any radius; generated layer
// blocks are scanned within layerScanRadius. Caller holds mu.
func (w *World) findBlocks(from types.Vec3, q types.BlockQuery) []types.Vec3 {
	name := q.Name
	if name == "" {
		name = types.BlockAir
	}
	count := q.Count
	if count <= 0 {
		count = 1
	}
	r := q.MaxDistance
	c := posOf(from)
	within := func(p blockPos) bool {
		return abs(p.X-c.X) <= r && abs(p.Y-c.Y) <= r && abs(p.Z-c.Z) <= r && w.terrain.inBounds(p)
	}

	var out []types.Vec3
	for p, b := range w.terrain.blocks {
		if b == name && within(p) {
			out = append(out, p.vec())
		}
	}

	lr := min(r, layerScanRadius)
	for y := c.Y - lr; y <= c.Y+lr; y++ {
		if w.terrain.layer(y) != name {
			continue
		}
		for x := c.X - lr; x <= c.X+lr; x++ {
			for z := c.Z - lr; z <= c.Z+lr; z++ {
				p := blockPos{X: x, Y: y, Z: z}
				if _, placed := w.terrain.blocks[p]; placed || !w.terrain.inBounds(p) {
					continue
				}
				out = append(out, p.vec())
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		di, dj := out[i].DistanceTo(from), out[j].DistanceTo(from)
		if di != dj {
			return di < dj
		}
		return lessVec(out[i], out[j])
	})
	if len(out) > count {
		out = out[:count]
	}
	return out
}

func lessVec(a, b types.Vec3) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}

// voxels lists distinct non-air blocks near from. Caller holds mu.
func (w *World) voxels(from types.Vec3) []string {
	seen := make(map[string]bool)
	c := posOf(from)
	for x := c.X - voxelRadius; x <= c.X+voxelRadius; x++ {
		for y := c.Y - 2; y <= c.Y+2; y++ {
			for z := c.Z - voxelRadius; z <= c.Z+voxelRadius; z++ {
				b := w.terrain.get(blockPos{X: x, Y: y, Z: z})
				if b != types.BlockAir {
					seen[b] = true
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

func inReach(a *agent, pos types.Vec3) bool {
	return a.pos.DistanceTo(pos.Floor().Add(0.5, 0.5, 0.5)) <= reach
}
