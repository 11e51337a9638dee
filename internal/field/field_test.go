package field

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanning-tank/internal/workspace"
)

func TestQuadratic(t *testing.T) {
	f := Quadratic(workspace.Position{X: 2, Y: -3, Z: 0}, 0, 1)
	assert.Equal(t, 0.0, f(workspace.Position{X: 2, Y: -3, Z: 0}))
	assert.Equal(t, -13.0, f(workspace.Position{}))
}

func TestGaussian(t *testing.T) {
	c := workspace.Position{X: 1, Y: -40, Z: 175}
	f := Gaussian(c, 500, 4)
	assert.InDelta(t, 500, f(c), 1e-12)
	near := f(c.Add(workspace.Position{X: 2}))
	far := f(c.Add(workspace.Position{X: 8}))
	assert.Greater(t, near, far)
	assert.Greater(t, far, 0.0)
}

func TestSimulatedProbe_ReadsAtLastMove(t *testing.T) {
	ctx := context.Background()
	s := NewSimulatedProbe(Quadratic(workspace.Position{}, 10, 1), workspace.Position{X: 1})

	v, err := s.ReadScalar(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9.0, v)

	require.NoError(t, s.MoveTo(ctx, workspace.Position{Y: 2}))
	v, err = s.ReadScalar(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6.0, v)

	assert.Equal(t, []workspace.Position{{Y: 2}}, s.Moves())
	assert.Equal(t, 3, s.Calls())
	assert.Equal(t, 2, s.Reads())
}

func TestSimulatedProbe_NoiseIsSeeded(t *testing.T) {
	ctx := context.Background()
	read := func() []float64 {
		s := NewSimulatedProbe(Quadratic(workspace.Position{}, 0, 1), workspace.Position{}, WithNoise(0.5, 7))
		out := make([]float64, 5)
		for i := range out {
			v, err := s.ReadScalar(ctx)
			require.NoError(t, err)
			out[i] = v
		}
		return out
	}
	a, b := read(), read()
	assert.Equal(t, a, b)
	assert.NotEqual(t, []float64{0, 0, 0, 0, 0}, a)
}

func TestSimulatedProbe_FaultAt(t *testing.T) {
	ctx := context.Background()
	s := NewSimulatedProbe(Quadratic(workspace.Position{}, 0, 1), workspace.Position{}, WithFaultAt(3))

	require.NoError(t, s.MoveTo(ctx, workspace.Position{}))
	_, err := s.ReadScalar(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, s.MoveTo(ctx, workspace.Position{}), ErrInjectedFault)
	_, err = s.ReadScalar(ctx)
	require.ErrorIs(t, err, ErrInjectedFault)
}

func TestSimulatedProbe_BoundsAndContext(t *testing.T) {
	s := NewSimulatedProbe(Quadratic(workspace.Position{}, 0, 1), workspace.Position{Z: 160},
		WithBounds(workspace.DefaultBounds()))
	assert.Error(t, s.MoveTo(context.Background(), workspace.Position{X: 100, Z: 160}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.MoveTo(ctx, workspace.Position{Z: 160}), context.Canceled)
	_, err := s.ReadScalar(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
