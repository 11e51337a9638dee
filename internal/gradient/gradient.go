// Package gradient estimates the spatial gradient of the measured field with
// a five-point centred finite-difference stencil on each axis.
package gradient

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/scanning-tank/internal/probe"
	"github.com/banshee-data/scanning-tank/internal/workspace"
)

// SamplesPerEstimate is the number of channel samples one estimate costs.
const SamplesPerEstimate = 12

// ErrInvalidStep is returned for a non-positive or non-finite stencil step.
var ErrInvalidStep = errors.New("gradient: step must be positive and finite")

// Vector holds the partial derivatives of the field along x, y and z.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Slice returns the components as an [x, y, z] slice.
func (v Vector) Slice() []float64 {
	return []float64{v.X, v.Y, v.Z}
}

// Magnitude returns the Euclidean norm of v.
func (v Vector) Magnitude() float64 {
	return floats.Norm(v.Slice(), 2)
}

// stencil lists the offsets sampled on each axis, in sampling order, and
// the weight each reading carries in the derivative numerator.
var stencil = [4]struct {
	k      float64
	weight float64
}{
	{-2, 1},
	{-1, -8},
	{+1, 8},
	{+2, -1},
}

// axes in sampling order
var axes = [3]workspace.Position{
	{X: 1},
	{Y: 1},
	{Z: 1},
}

// Estimate samples the stencil around p and returns the gradient. The
// channel clamps stencil points that fall outside the workspace; accuracy
// degrades near the walls but no error is raised for it. Any sampling error
// aborts the estimate and the partial stencil is discarded.
func Estimate(ctx context.Context, s probe.Sampler, p workspace.Position, eps float64) (Vector, error) {
	if !(eps > 0) || math.IsInf(eps, 0) {
		return Vector{}, fmt.Errorf("%w: got %v", ErrInvalidStep, eps)
	}

	var out [3]float64
	for i, axis := range axes {
		var sum float64
		for _, pt := range stencil {
			offset := workspace.Position{
				X: axis.X * pt.k * eps,
				Y: axis.Y * pt.k * eps,
				Z: axis.Z * pt.k * eps,
			}
			m, err := s.Sample(ctx, p.Add(offset))
			if err != nil {
				return Vector{}, err
			}
			sum += pt.weight * m.Pressure
		}
		out[i] = sum / (12 * eps)
	}
	return Vector{X: out[0], Y: out[1], Z: out[2]}, nil
}
