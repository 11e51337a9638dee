// Package probe composes the motion actuator and the field sensor into a
// single measurement channel: move, settle, sample.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/scanning-tank/internal/timeutil"
	"github.com/banshee-data/scanning-tank/internal/workspace"
)

// Actuator moves the probe. MoveTo must not return until the probe has
// physically arrived or the move failed.
type Actuator interface {
	MoveTo(ctx context.Context, p workspace.Position) error
}

// Sensor returns one scalar field reading for the probe's current position.
type Sensor interface {
	ReadScalar(ctx context.Context) (float64, error)
}

// ErrHardwareFault is matched by every error surfaced from a failing
// actuator or sensor.
var ErrHardwareFault = errors.New("hardware fault")

// HardwareFault wraps a collaborator failure with the operation and the
// position that was being sampled.
type HardwareFault struct {
	Op       string // "move" or "read"
	Position workspace.Position
	Err      error
}

func (f *HardwareFault) Error() string {
	return fmt.Sprintf("hardware fault: %s at %s: %v", f.Op, f.Position, f.Err)
}

func (f *HardwareFault) Unwrap() error { return f.Err }

// Is lets errors.Is(err, ErrHardwareFault) match any *HardwareFault.
func (f *HardwareFault) Is(target error) bool { return target == ErrHardwareFault }

// Measurement is one field reading at a commanded position. Seq increases by
// one for every successful sample taken through the same Channel.
type Measurement struct {
	Seq      uint64             `json:"seq"`
	Position workspace.Position `json:"position"`
	Pressure float64            `json:"pressure"`
}

// Sampler is anything that can take a Measurement at a position. *Channel
// is the production implementation.
type Sampler interface {
	Sample(ctx context.Context, p workspace.Position) (Measurement, error)
}

// Channel is the measurement channel. It is not safe for concurrent use:
// there is one probe and one sensor, so samples are strictly sequential.
type Channel struct {
	actuator Actuator
	sensor   Sensor
	bounds   workspace.Bounds
	settle   time.Duration
	clock    timeutil.Clock
	seq      uint64
}

// Option configures a Channel.
type Option func(*Channel)

// WithClock replaces the clock used for the settle wait.
func WithClock(c timeutil.Clock) Option {
	return func(ch *Channel) { ch.clock = c }
}

// NewChannel builds a channel over borrowed, already-open collaborators.
// A negative settle time is an error.
func NewChannel(a Actuator, s Sensor, bounds workspace.Bounds, settle time.Duration, opts ...Option) (*Channel, error) {
	if a == nil || s == nil {
		return nil, errors.New("probe: actuator and sensor are required")
	}
	if settle < 0 {
		return nil, fmt.Errorf("probe: settle time must be non-negative, got %v", settle)
	}
	ch := &Channel{
		actuator: a,
		sensor:   s,
		bounds:   bounds,
		settle:   settle,
		clock:    timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch, nil
}

// SetSettle changes the settle wait for subsequent samples.
func (c *Channel) SetSettle(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("probe: settle time must be non-negative, got %v", d)
	}
	c.settle = d
	return nil
}

// Bounds returns the workspace the channel clamps into.
func (c *Channel) Bounds() workspace.Bounds { return c.bounds }

// Samples returns the number of successful samples taken so far.
func (c *Channel) Samples() uint64 { return c.seq }

// Sample clamps p, moves there, waits out the settle time and reads the
// sensor. Collaborator errors come back as *HardwareFault and are never
// retried here.
func (c *Channel) Sample(ctx context.Context, p workspace.Position) (Measurement, error) {
	target := c.bounds.Clamp(p)

	if err := c.actuator.MoveTo(ctx, target); err != nil {
		return Measurement{}, &HardwareFault{Op: "move", Position: target, Err: err}
	}

	// Residual vibration shows up in the waveform; always wait.
	c.clock.Sleep(c.settle)

	value, err := c.sensor.ReadScalar(ctx)
	if err != nil {
		return Measurement{}, &HardwareFault{Op: "read", Position: target, Err: err}
	}

	c.seq++
	return Measurement{Seq: c.seq, Position: target, Pressure: value}, nil
}
