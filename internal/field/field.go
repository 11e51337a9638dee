// Package field provides synthetic scalar pressure fields and a simulated
// probe that samples them. It stands in for the gantry and hydrophone in
// tests and in --dev mode.
package field

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/banshee-data/scanning-tank/internal/workspace"
)

// Func is a scalar field over workspace coordinates.
type Func func(p workspace.Position) float64

// Quadratic returns -scale*|p-centre|^2 + peak, a paraboloid whose maximum
// is peak at centre.
func Quadratic(centre workspace.Position, peak, scale float64) Func {
	return func(p workspace.Position) float64 {
		dx, dy, dz := p.X-centre.X, p.Y-centre.Y, p.Z-centre.Z
		return peak - scale*(dx*dx+dy*dy+dz*dz)
	}
}

// Gaussian returns an isotropic Gaussian focal spot of the given amplitude
// and standard deviation (mm) centred on centre.
func Gaussian(centre workspace.Position, amplitude, sigma float64) Func {
	twoSigma2 := 2 * sigma * sigma
	return func(p workspace.Position) float64 {
		dx, dy, dz := p.X-centre.X, p.Y-centre.Y, p.Z-centre.Z
		return amplitude * math.Exp(-(dx*dx+dy*dy+dz*dz)/twoSigma2)
	}
}

// ErrInjectedFault is returned by a SimulatedProbe once its fault budget
// is reached.
var ErrInjectedFault = errors.New("field: injected fault")

// SimulatedProbe implements both probe.Actuator and probe.Sensor over a
// Func. Readings are taken at the last commanded position, optionally with
// additive Gaussian noise from a seeded source.
type SimulatedProbe struct {
	mu       sync.Mutex
	field    Func
	bounds   *workspace.Bounds
	position workspace.Position
	noise    float64
	rng      *rand.Rand
	failAt   int
	calls    int
	moves    []workspace.Position
	reads    int
}

// SimOption configures a SimulatedProbe.
type SimOption func(*SimulatedProbe)

// WithNoise adds zero-mean Gaussian noise with the given standard deviation,
// drawn from a PCG source seeded with seed.
func WithNoise(stddev float64, seed uint64) SimOption {
	return func(s *SimulatedProbe) {
		s.noise = stddev
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithFaultAt makes the n-th hardware call (moves and reads counted
// together, starting at 1) and every call after it fail.
func WithFaultAt(n int) SimOption {
	return func(s *SimulatedProbe) { s.failAt = n }
}

// WithBounds makes MoveTo reject positions outside b, the way a real
// controller would trip an endstop.
func WithBounds(b workspace.Bounds) SimOption {
	return func(s *SimulatedProbe) { s.bounds = &b }
}

// NewSimulatedProbe returns a probe parked at start.
func NewSimulatedProbe(f Func, start workspace.Position, opts ...SimOption) *SimulatedProbe {
	s := &SimulatedProbe{field: f, position: start}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SimulatedProbe) call() error {
	s.calls++
	if s.failAt > 0 && s.calls >= s.failAt {
		return fmt.Errorf("%w on call %d", ErrInjectedFault, s.calls)
	}
	return nil
}

// MoveTo implements probe.Actuator.
func (s *SimulatedProbe) MoveTo(ctx context.Context, p workspace.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.call(); err != nil {
		return err
	}
	if s.bounds != nil && !s.bounds.Contains(p) {
		return fmt.Errorf("field: move to %s outside workspace", p)
	}
	s.position = p
	s.moves = append(s.moves, p)
	return nil
}

// ReadScalar implements probe.Sensor.
func (s *SimulatedProbe) ReadScalar(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.call(); err != nil {
		return 0, err
	}
	s.reads++
	v := s.field(s.position)
	if s.rng != nil && s.noise > 0 {
		v += s.rng.NormFloat64() * s.noise
	}
	return v, nil
}

// Position returns the last commanded position.
func (s *SimulatedProbe) Position() workspace.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Moves returns a copy of every position moved to.
func (s *SimulatedProbe) Moves() []workspace.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]workspace.Position, len(s.moves))
	copy(out, s.moves)
	return out
}

// Calls returns the number of hardware calls attempted, failed ones included.
func (s *SimulatedProbe) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Reads returns the number of successful sensor reads.
func (s *SimulatedProbe) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}
