// Package peak implements the closed-loop peak search: gradient ascent over
// a measured field, with every move clamped to the workspace and the full
// trajectory kept for later analysis.
package peak

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/scanning-tank/internal/gradient"
	"github.com/banshee-data/scanning-tank/internal/monitoring"
	"github.com/banshee-data/scanning-tank/internal/probe"
	"github.com/banshee-data/scanning-tank/internal/timeutil"
	"github.com/banshee-data/scanning-tank/internal/workspace"
)

// Sampler is the measurement channel as seen by the controller. The settle
// time is part of the search parameters, so the controller sets it.
type Sampler interface {
	probe.Sampler
	SetSettle(d time.Duration) error
}

// Observer is called after every completed iteration with the record and
// the gradient magnitude. It must not block for long; the probe is idle
// while it runs.
type Observer func(rec Record, gradMag float64)

// Controller runs one search. Build a new one per search; a Controller
// refuses to run twice.
type Controller struct {
	channel  Sampler
	bounds   workspace.Bounds
	clock    timeutil.Clock
	observer Observer
	state    State
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers a per-iteration callback.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithClock replaces the clock used to time the run.
func WithClock(clock timeutil.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// NewController returns an idle controller over the given channel.
func NewController(ch Sampler, bounds workspace.Bounds, opts ...Option) *Controller {
	c := &Controller{
		channel: ch,
		bounds:  bounds,
		clock:   timeutil.RealClock{},
		state:   Idle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the controller's current state.
func (c *Controller) State() State { return c.state }

// FindPeak builds a fresh controller and runs one search with it.
func FindPeak(ctx context.Context, ch Sampler, bounds workspace.Bounds, start workspace.Position, params Params, opts ...Option) (*Result, error) {
	return NewController(ch, bounds, opts...).FindPeak(ctx, start, params)
}

// maxPreallocRecords caps the history capacity reserved up front. Larger
// budgets grow the slice as iterations complete.
const maxPreallocRecords = 1024

// FindPeak climbs the field from start for exactly params.MaxIterations
// ascent steps and then takes one terminal reading. Convergence is judged
// on the last gradient magnitude only; it never cuts the loop short, so
// sample counts and trajectories stay reproducible for a given budget.
//
// On a hardware fault the search stops at once and returns a non-nil Result
// holding the partial history together with a *FaultError.
func (c *Controller) FindPeak(ctx context.Context, start workspace.Position, params Params) (*Result, error) {
	if c.state != Idle {
		return nil, ErrControllerUsed
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := c.channel.SetSettle(params.SettleTime); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}

	c.state = Running
	began := c.clock.Now()

	pos := c.bounds.Clamp(start)
	hist := History{
		Positions: []workspace.Position{pos},
		Records:   make([]Record, 0, min(params.MaxIterations, maxPreallocRecords)),
	}
	monitoring.Logf("starting peak search from %s", pos)

	fault := func(iteration int, err error) (*Result, error) {
		c.state = Faulted
		monitoring.Logf("peak search faulted in iteration %d: %v", iteration, err)
		res := &Result{
			PeakPosition: pos,
			Iterations:   hist.Iterations,
			History:      hist,
			State:        Faulted,
			Duration:     c.clock.Since(began),
		}
		return res, &FaultError{Iteration: iteration, History: hist, Err: err}
	}

	var gradMag float64
	step := make([]float64, 3)
	for i := 1; i <= int(params.MaxIterations); i++ {
		m, err := c.channel.Sample(ctx, pos)
		if err != nil {
			return fault(i, err)
		}

		g, err := gradient.Estimate(ctx, c.channel, pos, params.Epsilon)
		if err != nil {
			return fault(i, err)
		}
		gradMag = g.Magnitude()

		rec := Record{Iteration: i, Seq: m.Seq, Position: m.Position, Pressure: m.Pressure, Gradient: g}
		hist.Records = append(hist.Records, rec)
		monitoring.Logf("iter %d: pos=%s pressure=%.2f kPa grad_mag=%.4f", i, pos, m.Pressure, gradMag)

		// Ascent: maximise the field.
		copy(step, pos.Slice())
		floats.AddScaled(step, params.LearningRate, g.Slice())
		pos = c.bounds.Clamp(workspace.FromSlice(step))

		hist.Positions = append(hist.Positions, pos)
		hist.Iterations = i

		if c.observer != nil {
			c.observer(rec, gradMag)
		}
	}

	converged := gradMag < params.ConvergenceThreshold
	hist.Converged = converged

	final, err := c.channel.Sample(ctx, pos)
	if err != nil {
		return fault(hist.Iterations, err)
	}

	c.state = Exhausted
	if converged {
		c.state = Converged
	}
	monitoring.Logf("peak search %s after %d iterations: pos=%s pressure=%.2f kPa",
		c.state, hist.Iterations, final.Position, final.Pressure)

	return &Result{
		PeakPosition: final.Position,
		PeakPressure: final.Pressure,
		Final:        final,
		Converged:    converged,
		Iterations:   hist.Iterations,
		History:      hist,
		State:        c.state,
		Duration:     c.clock.Since(began),
	}, nil
}
