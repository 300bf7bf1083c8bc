package sim

import (
	"sync"

	"github.com/pithecene-io/stepwise/types"
	"github.com/pithecene-io/stepwise/world"
)

// agent is one spawned player. Fields other than the event plumbing are
// guarded by World.mu.
type agent struct {
	name      string
	pos       types.Vec3
	goal      *types.Vec3
	rng       float64
	mounted   bool
	health    float64
	food      float64
	inventory map[string]int
	equipment [len(types.EquipmentSlots)]string

	events   chan world.Event
	done     chan struct{}
	sendMu   sync.Mutex
	closed   bool
	doneOnce sync.Once
}

func newAgent(name string, spawn types.Vec3, buffer int) *agent {
	return &agent{
		name:      name,
		pos:       spawn,
		health:    maxHealth,
		food:      maxFood,
		inventory: make(map[string]int),
		events:    make(chan world.Event, buffer),
		done:      make(chan struct{}),
	}
}

// restore takes over the player data of a previous login.
func (a *agent) restore(prev *agent) {
	a.pos = prev.pos
	a.health = prev.health
	a.food = prev.food
	a.equipment = prev.equipment
	for item, n := range prev.inventory {
		a.inventory[item] = n
	}
}

// state copies the agent state. Caller holds World.mu.
func (a *agent) state() types.AgentState {
	inv := make(map[string]int, len(a.inventory))
	for item, n := range a.inventory {
		inv[item] = n
	}
	return types.AgentState{
		Position:      a.pos,
		Moving:        a.goal != nil,
		Health:        a.health,
		Food:          a.food,
		Inventory:     inv,
		InventoryUsed: a.slotsUsed(),
	}
}

func (a *agent) clearInventory() {
	a.inventory = make(map[string]int)
	a.equipment = [len(types.EquipmentSlots)]string{}
}

func (a *agent) slotsUsed() int {
	used := 0
	for _, n := range a.inventory {
		used += (n + stackSize - 1) / stackSize
	}
	return used
}

func (a *agent) give(item string, n int) error {
	if n <= 0 {
		return nil
	}
	cur := a.inventory[item]
	need := (cur+n+stackSize-1)/stackSize - (cur+stackSize-1)/stackSize
	if a.slotsUsed()+need > inventorySize {
		return ErrInventoryFull
	}
	a.inventory[item] = cur + n
	return nil
}

func (a *agent) take(item string) error {
	if a.inventory[item] <= 0 {
		return ErrMissingItem
	}
	a.inventory[item]--
	if a.inventory[item] == 0 {
		delete(a.inventory, item)
	}
	return nil
}

// send delivers ev, blocking until the consumer takes it or the agent
// closes. Events after close are dropped.
func (a *agent) send(ev world.Event) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

// close ends event delivery and closes the events channel once.
func (a *agent) close() {
	a.doneOnce.Do(func() {
		close(a.done)
		a.sendMu.Lock()
		a.closed = true
		close(a.events)
		a.sendMu.Unlock()
	})
}

func (a *agent) isClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}
