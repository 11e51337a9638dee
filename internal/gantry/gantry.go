// Package gantry drives a Marlin-style 3D-printer gantry over G-code as the
// probe actuator.
package gantry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/banshee-data/scanning-tank/internal/monitoring"
	"github.com/banshee-data/scanning-tank/internal/workspace"
)

var (
	// ErrNoAck is returned when the printer does not acknowledge a command
	// before the line times out or closes.
	ErrNoAck = errors.New("gantry: no acknowledgement from printer")
	// ErrPrinterError is returned when the firmware answers with "Error:".
	ErrPrinterError = errors.New("gantry: printer reported an error")
	// ErrNoPosition is returned when an M114 reply carries no coordinates.
	ErrNoPosition = errors.New("gantry: no position in M114 reply")
)

// DefaultFeedrate is the travel speed for moves, in mm/min.
const DefaultFeedrate = 3000

// SafePosition is where Home parks the probe before homing, clear of the
// tank walls.
var SafePosition = workspace.Position{X: 0, Y: 0, Z: 180}

// ParkPosition is SafePosition clamped into b.
func ParkPosition(b workspace.Bounds) workspace.Position {
	return b.Clamp(SafePosition)
}

var positionRe = regexp.MustCompile(`X:([-\d.]+)\s+Y:([-\d.]+)\s+Z:([-\d.]+)`)

var logf = monitoring.Prefixed("gantry")

// Transport is the command channel to the printer. *serialport.Line
// satisfies it.
type Transport interface {
	Transact(ctx context.Context, command string, done func(line string) bool) ([]string, error)
	Drain() int
	Close() error
}

// Printer is a G-code gantry. It implements probe.Actuator.
type Printer struct {
	transport Transport
	feedrate  int
	park      workspace.Position
}

// Option configures a Printer.
type Option func(*Printer)

// WithFeedrate sets the G1 feedrate in mm/min.
func WithFeedrate(mmPerMin int) Option {
	return func(p *Printer) {
		if mmPerMin > 0 {
			p.feedrate = mmPerMin
		}
	}
}

// WithBounds keeps the Home parking move inside b.
func WithBounds(b workspace.Bounds) Option {
	return func(p *Printer) { p.park = ParkPosition(b) }
}

// Open takes ownership of t, discards any boot banner and puts the printer in
// absolute millimetre mode.
func Open(ctx context.Context, t Transport, opts ...Option) (*Printer, error) {
	p := &Printer{transport: t, feedrate: DefaultFeedrate, park: SafePosition}
	for _, opt := range opts {
		opt(p)
	}

	if n := t.Drain(); n > 0 {
		logf("discarded %d buffered lines", n)
	}
	for _, cmd := range []string{
		"G90", // absolute positioning
		"G21", // millimetres
	} {
		if err := p.command(ctx, cmd); err != nil {
			return nil, fmt.Errorf("gantry: init: %w", err)
		}
	}
	return p, nil
}

func isAck(line string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "ok")
}

func isError(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "Error:")
}

// command sends one G-code line and waits for its "ok".
func (p *Printer) command(ctx context.Context, cmd string) error {
	_, err := p.transact(ctx, cmd)
	return err
}

func (p *Printer) transact(ctx context.Context, cmd string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	if n := p.transport.Drain(); n > 0 {
		logf("discarded %d unsolicited lines before %q", n, cmd)
	}

	// Marlin follows an "Error:" line with the command's "ok", so read through
	// to the ok either way. Stopping at the error would leave the ok to ack
	// the next command.
	resp, err := p.transport.Transact(ctx, cmd, isAck)
	errLine := ""
	for _, line := range resp {
		if isError(line) {
			errLine = strings.TrimSpace(line)
			break
		}
	}

	switch {
	case err != nil && ctx.Err() != nil:
		return resp, fmt.Errorf("%s: %w", cmd, ctx.Err())
	case errLine != "" && err != nil:
		return resp, fmt.Errorf("%w: %s: %s: %w", ErrPrinterError, cmd, errLine, err)
	case errLine != "":
		return resp, fmt.Errorf("%w: %s: %s", ErrPrinterError, cmd, errLine)
	case err != nil:
		return resp, fmt.Errorf("%w: %s: %w", ErrNoAck, cmd, err)
	}
	return resp, nil
}

// MoveTo moves the head to pos and returns once the move has finished. Marlin
// acknowledges G1 as soon as it is queued, so an M400 follows and its ack
// marks arrival.
func (p *Printer) MoveTo(ctx context.Context, pos workspace.Position) error {
	if !finite(pos) {
		return fmt.Errorf("gantry: move: non-finite target %s", pos)
	}

	cmd := fmt.Sprintf("G1 X%.2f Y%.2f Z%.2f F%d", pos.X, pos.Y, pos.Z, p.feedrate)
	if err := p.command(ctx, cmd); err != nil {
		return fmt.Errorf("gantry: move: %w", err)
	}
	if err := p.command(ctx, "M400"); err != nil {
		return fmt.Errorf("gantry: move: wait for arrival: %w", err)
	}
	return nil
}

// Home parks the head at SafePosition, clamped to the bounds given with
// WithBounds, and then homes all axes.
func (p *Printer) Home(ctx context.Context) error {
	logf("homing via %s", p.park)
	if err := p.MoveTo(ctx, p.park); err != nil {
		return fmt.Errorf("gantry: home: %w", err)
	}
	if err := p.command(ctx, "G28"); err != nil {
		return fmt.Errorf("gantry: home: %w", err)
	}
	if err := p.command(ctx, "M400"); err != nil {
		return fmt.Errorf("gantry: home: %w", err)
	}
	return nil
}

// Position queries the firmware's idea of where the head is.
func (p *Printer) Position(ctx context.Context) (workspace.Position, error) {
	resp, err := p.transact(ctx, "M114")
	if err != nil {
		return workspace.Position{}, fmt.Errorf("gantry: position: %w", err)
	}
	for _, line := range resp {
		if pos, ok := ParsePosition(line); ok {
			return pos, nil
		}
	}
	return workspace.Position{}, ErrNoPosition
}

// ParsePosition extracts the X/Y/Z coordinates from an M114 report line.
func ParsePosition(line string) (workspace.Position, bool) {
	m := positionRe.FindStringSubmatch(line)
	if m == nil {
		return workspace.Position{}, false
	}
	var xyz [3]float64
	for i := range xyz {
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return workspace.Position{}, false
		}
		xyz[i] = v
	}
	return workspace.Position{X: xyz[0], Y: xyz[1], Z: xyz[2]}, true
}

// Close releases the transport.
func (p *Printer) Close() error {
	return p.transport.Close()
}

func finite(p workspace.Position) bool {
	for _, v := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
