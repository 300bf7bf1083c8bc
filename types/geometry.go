package types

import (
	"fmt"
	"math"
)

// Vec3 is a position in world space. Block positions use integral values.
type Vec3 struct {
	X float64 `msgpack:"x" json:"x" yaml:"x"`
	Y float64 `msgpack:"y" json:"y" yaml:"y"`
	Z float64 `msgpack:"z" json:"z" yaml:"z"`
}

// Add returns v offset by (dx, dy, dz).
func (v Vec3) Add(dx, dy, dz float64) Vec3 {
	return Vec3{X: v.X + dx, Y: v.Y + dy, Z: v.Z + dz}
}

// DistanceTo returns the euclidean distance between v and o.
func (v Vec3) DistanceTo(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Floor returns the block position containing v.
func (v Vec3) Floor() Vec3 {
	return Vec3{X: math.Floor(v.X), Y: math.Floor(v.Y), Z: math.Floor(v.Z)}
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%g, %g, %g)", v.X, v.Y, v.Z)
}
