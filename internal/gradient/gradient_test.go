package gradient

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanning-tank/internal/field"
	"github.com/banshee-data/scanning-tank/internal/probe"
	"github.com/banshee-data/scanning-tank/internal/timeutil"
	"github.com/banshee-data/scanning-tank/internal/workspace"
)

// countingSampler evaluates f directly and records every requested point.
type countingSampler struct {
	f      field.Func
	points []workspace.Position
	failAt int
}

func (c *countingSampler) Sample(_ context.Context, p workspace.Position) (probe.Measurement, error) {
	c.points = append(c.points, p)
	if c.failAt > 0 && len(c.points) >= c.failAt {
		return probe.Measurement{}, errors.New("sensor lost")
	}
	return probe.Measurement{Seq: uint64(len(c.points)), Position: p, Pressure: c.f(p)}, nil
}

func TestEstimate_SampleCountAndOrder(t *testing.T) {
	s := &countingSampler{f: field.Quadratic(workspace.Position{}, 0, 1)}
	p := workspace.Position{X: 1, Y: 2, Z: 3}

	_, err := Estimate(context.Background(), s, p, 0.5)
	require.NoError(t, err)
	require.Len(t, s.points, SamplesPerEstimate)

	want := []workspace.Position{
		{X: 0, Y: 2, Z: 3}, {X: 0.5, Y: 2, Z: 3}, {X: 1.5, Y: 2, Z: 3}, {X: 2, Y: 2, Z: 3},
		{X: 1, Y: 1, Z: 3}, {X: 1, Y: 1.5, Z: 3}, {X: 1, Y: 2.5, Z: 3}, {X: 1, Y: 3, Z: 3},
		{X: 1, Y: 2, Z: 2}, {X: 1, Y: 2, Z: 2.5}, {X: 1, Y: 2, Z: 3.5}, {X: 1, Y: 2, Z: 4},
	}
	assert.Equal(t, want, s.points)
}

func TestEstimate_ExactOnCubic(t *testing.T) {
	// The five-point stencil is exact for polynomials up to degree four.
	f := func(p workspace.Position) float64 {
		return p.X*p.X*p.X - 2*p.Y*p.Y + 4*p.Z + p.X*p.Y
	}
	s := &countingSampler{f: f}
	p := workspace.Position{X: 1.5, Y: -2, Z: 7}

	g, err := Estimate(context.Background(), s, p, 0.1)
	require.NoError(t, err)

	assert.InDelta(t, 3*p.X*p.X+p.Y, g.X, 1e-9)
	assert.InDelta(t, -4*p.Y+p.X, g.Y, 1e-9)
	assert.InDelta(t, 4, g.Z, 1e-9)
}

func TestEstimate_ThroughChannel(t *testing.T) {
	sim := field.NewSimulatedProbe(field.Quadratic(workspace.Position{X: 2, Y: -30, Z: 170}, 0, 1), workspace.Position{})
	ch, err := probe.NewChannel(sim, sim, workspace.DefaultBounds(), time.Millisecond,
		probe.WithClock(timeutil.NewMockClock(time.Unix(0, 0))))
	require.NoError(t, err)

	g, err := Estimate(context.Background(), ch, workspace.Position{X: 0, Y: -30, Z: 170}, 0.1)
	require.NoError(t, err)

	assert.Equal(t, uint64(SamplesPerEstimate), ch.Samples())
	assert.Equal(t, SamplesPerEstimate, sim.Reads())
	assert.InDelta(t, 4, g.X, 1e-9)
	assert.InDelta(t, 0, g.Y, 1e-9)
	assert.InDelta(t, 0, g.Z, 1e-9)
	assert.InDelta(t, 4, g.Magnitude(), 1e-9)
}

func TestEstimate_ClampedStencilDegradesSilently(t *testing.T) {
	sim := field.NewSimulatedProbe(field.Quadratic(workspace.Position{}, 0, 1), workspace.Position{})
	ch, err := probe.NewChannel(sim, sim, workspace.DefaultBounds(), 0,
		probe.WithClock(timeutil.NewMockClock(time.Unix(0, 0))))
	require.NoError(t, err)

	// Base sits on the X max wall; the +ε points collapse onto it.
	g, err := Estimate(context.Background(), ch, workspace.Position{X: workspace.XMax, Y: -10, Z: 160}, 1)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(g.X))
	for _, m := range sim.Moves() {
		assert.True(t, workspace.DefaultBounds().Contains(m))
	}
}

func TestEstimate_InvalidStep(t *testing.T) {
	for _, eps := range []float64{0, -0.1, math.NaN(), math.Inf(1)} {
		s := &countingSampler{f: field.Quadratic(workspace.Position{}, 0, 1)}
		_, err := Estimate(context.Background(), s, workspace.Position{}, eps)
		assert.ErrorIs(t, err, ErrInvalidStep, "eps=%v", eps)
		assert.Empty(t, s.points, "no samples for eps=%v", eps)
	}
}

func TestEstimate_AbortsOnFault(t *testing.T) {
	s := &countingSampler{f: field.Quadratic(workspace.Position{}, 0, 1), failAt: 6}
	_, err := Estimate(context.Background(), s, workspace.Position{}, 0.1)
	require.Error(t, err)
	assert.Len(t, s.points, 6, "no samples after the failing one")
}

func TestVectorMagnitude(t *testing.T) {
	assert.InDelta(t, 13, Vector{X: 3, Y: 4, Z: 12}.Magnitude(), 1e-12)
	assert.Equal(t, 0.0, Vector{}.Magnitude())
}
