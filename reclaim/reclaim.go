// Package reclaim returns temporary resources to the agent at the end of a
// step.
//
// Everything here is best effort: a failed or pointless operation is
// logged and skipped, never returned.
package reclaim

import (
	"context"

	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/types"
	"github.com/pithecene-io/stepwise/world"
)

// Defaults for Config.
const (
	DefaultSearchRadius  = 128
	DefaultHighWaterMark = 32
	DefaultStorageItem   = "chest"
)

// DefaultFixtures are the placeable blocks picked back up after a step.
var DefaultFixtures = []string{"crafting_table", "furnace"}

// World is the part of a world connection reclamation needs.
type World interface {
	State() types.AgentState
	SetRule(ctx context.Context, rule string, value bool) error
	FindBlocks(ctx context.Context, q types.BlockQuery) ([]types.Vec3, error)
	SetBlock(ctx context.Context, pos types.Vec3, name string) error
	Give(ctx context.Context, item string, n int) error
}

// Config tunes a Reclaimer.
type Config struct {
	// Fixtures are block names removed from the world and given back.
	Fixtures []string
	// SearchRadius bounds the fixture search.
	SearchRadius int
	// HighWaterMark is the inventory slot usage at which StorageItem is
	// provided.
	HighWaterMark int
	// StorageItem is given when the inventory is crowded and none is held.
	StorageItem string
}

// DefaultConfig returns the standard reclamation rules.
func DefaultConfig() Config {
	return Config{
		Fixtures:      append([]string(nil), DefaultFixtures...),
		SearchRadius:  DefaultSearchRadius,
		HighWaterMark: DefaultHighWaterMark,
		StorageItem:   DefaultStorageItem,
	}
}

// Recorder receives the number of operations issued.
// metrics.Collector satisfies it.
type Recorder interface {
	AddReclaimOps(n int)
}

// Reclaimer performs end-of-step reclamation.
type Reclaimer struct {
	cfg      Config
	logger   *log.Logger
	recorder Recorder
}

// New creates a Reclaimer. Zero fields in cfg take defaults.
func New(cfg Config, logger *log.Logger, recorder Recorder) *Reclaimer {
	def := DefaultConfig()
	if cfg.Fixtures == nil {
		cfg.Fixtures = def.Fixtures
	}
	if cfg.SearchRadius <= 0 {
		cfg.SearchRadius = def.SearchRadius
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = def.HighWaterMark
	}
	if cfg.StorageItem == "" {
		cfg.StorageItem = def.StorageItem
	}
	return &Reclaimer{cfg: cfg, logger: logger, recorder: recorder}
}

// Reconcile runs reclamation against w. retained lists the loadout items
// the agent is entitled to keep. Returns the number of resource operations
// issued; the rule toggles around them are not counted.
func (r *Reclaimer) Reconcile(ctx context.Context, w World, retained []string) int {
	ops := 0
	apply := func(op string, fn func() error) {
		if err := fn(); err != nil {
			r.logger.Warn("reclaim operation failed", map[string]any{
				"op":    op,
				"error": err.Error(),
			})
		}
	}
	do := func(op string, fn func() error) {
		ops++
		apply(op, fn)
	}

	apply("disable_tile_drops", func() error { return w.SetRule(ctx, world.RuleTileDrops, false) })

	for _, fixture := range r.cfg.Fixtures {
		found, err := w.FindBlocks(ctx, types.BlockQuery{
			Name:        fixture,
			MaxDistance: r.cfg.SearchRadius,
			Count:       1,
		})
		if err != nil {
			r.logger.Warn("reclaim search failed", map[string]any{
				"fixture": fixture,
				"error":   err.Error(),
			})
			continue
		}
		if len(found) == 0 {
			continue
		}
		pos := found[0]
		do("remove_"+fixture, func() error { return w.SetBlock(ctx, pos, types.BlockAir) })
		do("give_"+fixture, func() error { return w.Give(ctx, fixture, 1) })
	}

	state := w.State()
	if state.InventoryUsed >= r.cfg.HighWaterMark && state.Count(r.cfg.StorageItem) == 0 {
		do("give_"+r.cfg.StorageItem, func() error { return w.Give(ctx, r.cfg.StorageItem, 1) })
	}

	for _, item := range retained {
		if state.Count(item) == 0 {
			do("restore_"+item, func() error { return w.Give(ctx, item, 1) })
		}
	}

	apply("enable_tile_drops", func() error { return w.SetRule(ctx, world.RuleTileDrops, true) })

	if r.recorder != nil {
		r.recorder.AddReclaimOps(ops)
	}
	return ops
}
