package sim

import (
	"math"

	"github.com/pithecene-io/stepwise/types"
)

// detourDepth bounds the breadth-first search for a way around obstacles.
const detourDepth = 16

func distXZ(a, b blockPos) int {
	dx, dz := a.X-b.X, a.Z-b.Z
	if dx < 0 {
		dx = -dx
	}
	if dz < 0 {
		dz = -dz
	}
	return dx + dz
}

// nextCell picks the neighboring column to walk into on the way from cur to
// target: one step along the dominant axis, or a bounded detour when that
// column is blocked. ok is false when no reachable column gets closer.
func (t *terrain) nextCell(cur, target blockPos) (blockPos, bool) {
	next := blockPos{X: cur.X + sign(target.X-cur.X), Z: cur.Z}
	if abs(target.Z-cur.Z) > abs(target.X-cur.X) {
		next = blockPos{X: cur.X, Z: cur.Z + sign(target.Z-cur.Z)}
	}
	if t.passable(cur, next) {
		return next, true
	}
	return t.detourStep(cur, target, detourDepth)
}

// detourStep finds a passable neighbor of start from which some path of at
// most maxDepth steps reduces the XZ distance to target. Neighbor order is
// fixed so a blocked agent makes the same choice every tick.
func (t *terrain) detourStep(start, target blockPos, maxDepth int) (blockPos, bool) {
	if maxDepth <= 0 {
		return blockPos{}, false
	}
	start.Y, target.Y = 0, 0
	startDist := distXZ(start, target)

	type item struct {
		p     blockPos
		depth int
		first blockPos
	}
	dirs := []blockPos{{X: 1}, {X: -1}, {Z: 1}, {Z: -1}}

	visited := map[blockPos]bool{start: true}
	queue := make([]item, 0, 64)
	for _, d := range dirs {
		np := blockPos{X: start.X + d.X, Z: start.Z + d.Z}
		if !t.passable(start, np) {
			continue
		}
		visited[np] = true
		queue = append(queue, item{p: np, depth: 1, first: np})
	}

	found := false
	bestDist, bestDepth := startDist, 0
	var bestFirst blockPos
	better := func(dist, depth int, first blockPos) bool {
		if dist != bestDist {
			return dist < bestDist
		}
		if depth != bestDepth {
			return depth < bestDepth
		}
		if first.X != bestFirst.X {
			return first.X < bestFirst.X
		}
		return first.Z < bestFirst.Z
	}

	for head := 0; head < len(queue); head++ {
		it := queue[head]
		if d := distXZ(it.p, target); d < startDist && (!found || better(d, it.depth, it.first)) {
			found = true
			bestDist, bestDepth, bestFirst = d, it.depth, it.first
		}
		if it.depth >= maxDepth {
			continue
		}
		for _, d := range dirs {
			np := blockPos{X: it.p.X + d.X, Z: it.p.Z + d.Z}
			if visited[np] || !t.passable(it.p, np) {
				continue
			}
			visited[np] = true
			queue = append(queue, item{p: np, depth: it.depth + 1, first: it.first})
		}
	}
	return bestFirst, found
}

// advance moves pos one tick toward goal at speed blocks per tick and
// returns the new position.
func (t *terrain) advance(pos, goal types.Vec3, speed float64) types.Vec3 {
	cur := posOf(pos)
	cur.Y = 0
	target := posOf(goal)
	target.Y = 0

	dest := goal
	if cur != target {
		next, ok := t.nextCell(cur, target)
		if !ok {
			return pos
		}
		dest = types.Vec3{X: float64(next.X) + 0.5, Z: float64(next.Z) + 0.5}
	}

	dx, dz := dest.X-pos.X, dest.Z-pos.Z
	dist := math.Hypot(dx, dz)
	out := pos
	if dist <= speed {
		out.X, out.Z = dest.X, dest.Z
	} else {
		out.X += dx / dist * speed
		out.Z += dz / dist * speed
	}
	p := posOf(out)
	out.Y = float64(t.standY(p.X, p.Z))
	return out
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
