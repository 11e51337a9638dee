// Package scope reads the hydrophone through an oscilloscope: it captures one
// triggered waveform per reading, converts it to pressure and reduces it to
// the peak magnitude.
package scope

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/algo-vecmath"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/scanning-tank/internal/monitoring"
)

// DefaultKPaPerMV is the sensitivity of the tank's hydrophone.
const DefaultKPaPerMV = 6.31

// ErrEmptyWaveform is returned when a capture yields no samples.
var ErrEmptyWaveform = errors.New("scope: empty waveform")

var logf = monitoring.Prefixed("scope")

// WaveformSource captures one triggered waveform in volts.
type WaveformSource interface {
	Capture(ctx context.Context) ([]float64, error)
}

// Hydrophone turns scope captures into pressure readings. It implements
// probe.Sensor.
type Hydrophone struct {
	source   WaveformSource
	kpaPerMV float64
	buf      []float64
}

// NewHydrophone returns a sensor reading from source with the given
// sensitivity in kPa per millivolt.
func NewHydrophone(source WaveformSource, kpaPerMV float64) (*Hydrophone, error) {
	if source == nil {
		return nil, errors.New("scope: waveform source is required")
	}
	if !(kpaPerMV > 0) || math.IsInf(kpaPerMV, 0) {
		return nil, fmt.Errorf("scope: kpa_per_mv must be positive and finite, got %v", kpaPerMV)
	}
	return &Hydrophone{source: source, kpaPerMV: kpaPerMV}, nil
}

// Waveform captures one waveform and returns it in kPa. The returned slice is
// reused by the next call.
func (h *Hydrophone) Waveform(ctx context.Context) ([]float64, error) {
	volts, err := h.source.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("scope: capture: %w", err)
	}
	if len(volts) == 0 {
		return nil, ErrEmptyWaveform
	}

	if cap(h.buf) < len(volts) {
		h.buf = make([]float64, len(volts))
	}
	h.buf = h.buf[:len(volts)]
	// V -> mV -> kPa
	vecmath.ScaleBlock(h.buf, volts, h.kpaPerMV*1e3)
	return h.buf, nil
}

// ReadScalar returns the peak absolute pressure of one capture, in kPa.
func (h *Hydrophone) ReadScalar(ctx context.Context) (float64, error) {
	wf, err := h.Waveform(ctx)
	if err != nil {
		return 0, err
	}
	return PeakMagnitude(wf), nil
}

// PeakMagnitude returns max |x| over a non-empty waveform.
func PeakMagnitude(wf []float64) float64 {
	return math.Max(floats.Max(wf), -floats.Min(wf))
}
