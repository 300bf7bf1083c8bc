package sim

import (
	"math/rand"

	"github.com/pithecene-io/stepwise/types"
)

// blockPos is an integral block coordinate.
type blockPos struct {
	X, Y, Z int
}

func posOf(v types.Vec3) blockPos {
	f := v.Floor()
	return blockPos{X: int(f.X), Y: int(f.Y), Z: int(f.Z)}
}

func (p blockPos) vec() types.Vec3 {
	return types.Vec3{X: float64(p.X), Y: float64(p.Y), Z: float64(p.Z)}
}

// terrain is a layered flat world with sparse overrides.
//
// Layers, top down: grass_block at GroundY, three layers of dirt, stone down
// to GroundY-depth, bedrock below. Everything above GroundY is air unless
// overridden.
type terrain struct {
	groundY int
	size    int
	blocks  map[blockPos]string
}

const (
	dirtDepth  = 3
	stoneDepth = 16
	// columnScan bounds the upward search for the standing height.
	columnScan = 24
)

func newTerrain(groundY, size int) *terrain {
	return &terrain{groundY: groundY, size: size, blocks: make(map[blockPos]string)}
}

func (t *terrain) inBounds(p blockPos) bool {
	return p.X >= -t.size && p.X <= t.size && p.Z >= -t.size && p.Z <= t.size
}

func (t *terrain) layer(y int) string {
	switch {
	case y > t.groundY:
		return types.BlockAir
	case y == t.groundY:
		return "grass_block"
	case y >= t.groundY-dirtDepth:
		return "dirt"
	case y >= t.groundY-stoneDepth:
		return "stone"
	default:
		return "bedrock"
	}
}

func (t *terrain) get(p blockPos) string {
	if !t.inBounds(p) {
		return types.BlockAir
	}
	if b, ok := t.blocks[p]; ok {
		return b
	}
	return t.layer(p.Y)
}

func (t *terrain) set(p blockPos, name string) {
	if name == "" {
		name = types.BlockAir
	}
	if name == t.layer(p.Y) {
		delete(t.blocks, p)
		return
	}
	t.blocks[p] = name
}

func solid(name string) bool {
	return name != types.BlockAir && name != "water" && name != "short_grass"
}

// standY returns the feet height of an agent standing in column (x, z).
func (t *terrain) standY(x, z int) int {
	for y := t.groundY + columnScan; y > t.groundY-stoneDepth-1; y-- {
		if solid(t.get(blockPos{X: x, Y: y, Z: z})) {
			return y + 1
		}
	}
	return t.groundY + 1
}

// passable reports whether an agent standing at from can step into the
// neighboring column of to.
func (t *terrain) passable(from, to blockPos) bool {
	if !t.inBounds(to) {
		return false
	}
	fromY := t.standY(from.X, from.Z)
	toY := t.standY(to.X, to.Z)
	if toY-fromY > 1 {
		return false
	}
	feet := blockPos{X: to.X, Y: fromY, Z: to.Z}
	if toY > fromY {
		feet.Y = toY
	}
	head := blockPos{X: feet.X, Y: feet.Y + 1, Z: feet.Z}
	return !solid(t.get(feet)) && !solid(t.get(head))
}

// Feature is a block scattered over the terrain at generation time.
type Feature struct {
	Block string `yaml:"block"`
	Count int    `yaml:"count"`
	// Depth places the feature below the surface when positive. Zero places
	// a column of Height blocks on top of the surface.
	Depth  int `yaml:"depth"`
	Height int `yaml:"height"`
}

// DefaultFeatures returns the features of a fresh world: trees on the
// surface, coal and iron in the stone layer.
func DefaultFeatures() []Feature {
	return []Feature{
		{Block: "oak_log", Count: 24, Height: 4},
		{Block: "coal_ore", Count: 32, Depth: dirtDepth + 2},
		{Block: "iron_ore", Count: 16, Depth: dirtDepth + 5},
		{Block: "crafting_table", Count: 2, Height: 1},
	}
}

func (t *terrain) generate(rng *rand.Rand, features []Feature, spawn blockPos) {
	span := 2*t.size + 1
	for _, f := range features {
		for range f.Count {
			p := blockPos{X: rng.Intn(span) - t.size, Z: rng.Intn(span) - t.size}
			if p.X == spawn.X && p.Z == spawn.Z {
				continue
			}
			if f.Depth > 0 {
				p.Y = t.groundY - f.Depth
				t.set(p, f.Block)
				continue
			}
			h := max(f.Height, 1)
			for dy := 1; dy <= h; dy++ {
				t.set(blockPos{X: p.X, Y: t.groundY + dy, Z: p.Z}, f.Block)
			}
		}
	}
}

// drop returns the item collected when name is dug.
func drop(name string) string {
	switch name {
	case "grass_block":
		return "dirt"
	case "stone":
		return "cobblestone"
	case "coal_ore":
		return "coal"
	case "iron_ore":
		return "raw_iron"
	case "bedrock", types.BlockAir:
		return ""
	default:
		return name
	}
}
