package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/pithecene-io/stepwise/types"
	"github.com/pithecene-io/stepwise/world"
)

// conn is a world.Conn bound to one agent.
type conn struct {
	w *World
	a *agent
}

var _ world.Conn = (*conn)(nil)

// do runs fn under the world lock after the liveness checks every command
// shares.
func (c *conn) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.a.isClosed() {
		return world.ErrClosed
	}
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	return fn()
}

func (c *conn) Events() <-chan world.Event { return c.a.events }

func (c *conn) State() types.AgentState {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	return c.a.state()
}

func (c *conn) Observe(ctx context.Context) (types.Snapshot, error) {
	var snap types.Snapshot
	err := c.do(ctx, func() error {
		snap = types.Snapshot{
			State:     c.a.state(),
			Equipment: slices.Clone(c.a.equipment[:]),
			Voxels:    c.w.voxels(c.a.pos),
			Biome:     "plains",
			TimeOfDay: c.w.timeOfDay,
			Paused:    c.w.paused,
		}
		return nil
	})
	return snap, err
}

func (c *conn) MoveTo(ctx context.Context, goal types.Vec3, rng float64) error {
	return c.do(ctx, func() error {
		g := goal
		c.a.goal = &g
		c.a.rng = max(rng, 0)
		if c.a.pos.DistanceTo(goal) <= c.a.rng {
			c.a.goal = nil
		}
		return nil
	})
}

func (c *conn) StopMoving(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.a.goal = nil
		return nil
	})
}

func (c *conn) Teleport(ctx context.Context, pos types.Vec3) error {
	return c.do(ctx, func() error {
		c.a.pos = pos
		return nil
	})
}

func (c *conn) Dismount(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.a.mounted = false
		return nil
	})
}

func (c *conn) Chat(ctx context.Context, message string) error {
	if err := c.do(ctx, func() error { return nil }); err != nil {
		return err
	}
	c.w.broadcast(fmt.Sprintf("<%s> %s", c.a.name, message))
	return nil
}

func (c *conn) Give(ctx context.Context, item string, n int) error {
	return c.do(ctx, func() error {
		return c.a.give(item, n)
	})
}

func (c *conn) Equip(ctx context.Context, slot, item string) error {
	return c.do(ctx, func() error {
		i := slices.Index(types.EquipmentSlots[:], slot)
		if i < 0 {
			return fmt.Errorf("unknown equipment slot %q", slot)
		}
		c.a.equipment[i] = item
		return nil
	})
}

func (c *conn) Reset(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.a.clearInventory()
		c.w.respawn(c.a)
		return nil
	})
}

func (c *conn) SetRule(ctx context.Context, rule string, value bool) error {
	return c.do(ctx, func() error {
		c.w.rules[rule] = value
		return nil
	})
}

func (c *conn) Spread(ctx context.Context, distance, maxRange int) error {
	return c.do(ctx, func() error {
		p, err := c.w.spreadPoint(c.a, distance, maxRange)
		if err != nil {
			return err
		}
		c.a.pos = p
		c.a.goal = nil
		return nil
	})
}

func (c *conn) Pause(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.w.paused = !c.w.paused
		return nil
	})
}

func (c *conn) FindBlocks(ctx context.Context, q types.BlockQuery) ([]types.Vec3, error) {
	var out []types.Vec3
	err := c.do(ctx, func() error {
		if q.MaxDistance < 0 {
			return errors.New("max distance must be >= 0")
		}
		out = c.w.findBlocks(c.a.pos, q)
		return nil
	})
	return out, err
}

func (c *conn) SetBlock(ctx context.Context, pos types.Vec3, name string) error {
	return c.do(ctx, func() error {
		c.w.terrain.set(posOf(pos), name)
		return nil
	})
}

func (c *conn) Place(ctx context.Context, item string, pos types.Vec3) error {
	return c.do(ctx, func() error {
		p := posOf(pos)
		if !inReach(c.a, pos) {
			return fmt.Errorf("place %s at %s: %w", item, pos, ErrOutOfReach)
		}
		if c.w.terrain.get(p) != types.BlockAir {
			return fmt.Errorf("place %s at %s: %w", item, pos, ErrOccupied)
		}
		if err := c.a.take(item); err != nil {
			return fmt.Errorf("place %s: %w", item, err)
		}
		c.w.terrain.set(p, item)
		return nil
	})
}

func (c *conn) Dig(ctx context.Context, pos types.Vec3) error {
	return c.do(ctx, func() error {
		p := posOf(pos)
		if !inReach(c.a, pos) {
			return fmt.Errorf("dig at %s: %w", pos, ErrOutOfReach)
		}
		name := c.w.terrain.get(p)
		if name == types.BlockAir || name == "bedrock" {
			return fmt.Errorf("dig at %s: %w", pos, ErrNothingToDig)
		}
		c.w.terrain.set(p, types.BlockAir)
		if item := drop(name); item != "" && c.w.rules[world.RuleTileDrops] {
			// A full inventory leaves the drop on the ground.
			_ = c.a.give(item, 1)
		}
		return nil
	})
}

func (c *conn) Close() error {
	c.w.leave(c.a)
	return nil
}
