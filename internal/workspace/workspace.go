// Package workspace defines the legal 3D envelope of the probe and clamps
// requested positions into it. Every position handed to the gantry passes
// through Bounds.Clamp first.
package workspace

import (
	"fmt"
	"math"
)

// Position is a probe coordinate in millimetres.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns p offset by d on each axis.
func (p Position) Add(d Position) Position {
	return Position{X: p.X + d.X, Y: p.Y + d.Y, Z: p.Z + d.Z}
}

// Distance returns the Euclidean distance between p and q.
func (p Position) Distance(q Position) float64 {
	dx, dy, dz := p.X-q.X, p.Y-q.Y, p.Z-q.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Slice returns the coordinates as an [x, y, z] slice.
func (p Position) Slice() []float64 {
	return []float64{p.X, p.Y, p.Z}
}

// FromSlice builds a Position from the first three values of v.
func FromSlice(v []float64) Position {
	return Position{X: v[0], Y: v[1], Z: v[2]}
}

func (p Position) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}

// Bounds is the closed box [Min, Max] on each axis. It is treated as
// immutable once a search starts.
type Bounds struct {
	Min Position `json:"min"`
	Max Position `json:"max"`
}

// Gantry envelope of the scanning tank in millimetres.
const (
	XMin = -35.0
	XMax = 35.0
	YMin = -75.0
	YMax = 0.0
	ZMin = 150.0
	ZMax = 195.0
)

// DefaultBounds returns the envelope of the scanning tank gantry.
func DefaultBounds() Bounds {
	return Bounds{
		Min: Position{X: XMin, Y: YMin, Z: ZMin},
		Max: Position{X: XMax, Y: YMax, Z: ZMax},
	}
}

// Validate checks that every limit is finite and Min <= Max per axis.
func (b Bounds) Validate() error {
	axes := []struct {
		name     string
		min, max float64
	}{
		{"x", b.Min.X, b.Max.X},
		{"y", b.Min.Y, b.Max.Y},
		{"z", b.Min.Z, b.Max.Z},
	}
	for _, a := range axes {
		if math.IsNaN(a.min) || math.IsInf(a.min, 0) || math.IsNaN(a.max) || math.IsInf(a.max, 0) {
			return fmt.Errorf("%s bounds must be finite, got [%v, %v]", a.name, a.min, a.max)
		}
		if a.min > a.max {
			return fmt.Errorf("%s bounds inverted: min %v > max %v", a.name, a.min, a.max)
		}
	}
	return nil
}

// Clamp projects p onto the box. Each axis is clipped independently; NaN
// coordinates land on the axis minimum so the result is always inside.
func (b Bounds) Clamp(p Position) Position {
	return Position{
		X: clamp(p.X, b.Min.X, b.Max.X),
		Y: clamp(p.Y, b.Min.Y, b.Max.Y),
		Z: clamp(p.Z, b.Min.Z, b.Max.Z),
	}
}

// Contains reports whether p lies inside the box, limits included.
func (b Bounds) Contains(p Position) bool {
	return within(p.X, b.Min.X, b.Max.X) &&
		within(p.Y, b.Min.Y, b.Max.Y) &&
		within(p.Z, b.Min.Z, b.Max.Z)
}

func within(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
