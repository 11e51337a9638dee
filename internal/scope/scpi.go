package scope

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// CaptureSettings configures the scope's single-shot capture on channel 1.
type CaptureSettings struct {
	SampleRate        float64       // Hz
	Length            time.Duration // record length
	TriggerPosition   time.Duration // relative to the trigger, negative is pre-trigger
	TriggerLevel      float64       // V
	TriggerHysteresis float64       // V
	Range             float64       // V full scale
}

// DefaultCaptureSettings returns the capture the tank's transducer pulses
// were characterised with: 10 µs at 100 MS/s around a rising-edge trigger.
func DefaultCaptureSettings() CaptureSettings {
	return CaptureSettings{
		SampleRate:        100e6,
		Length:            10 * time.Microsecond,
		TriggerPosition:   -1 * time.Microsecond,
		TriggerLevel:      0.005,
		TriggerHysteresis: 0.01,
		Range:             0.5,
	}
}

// Points returns the number of samples in one record.
func (s CaptureSettings) Points() int {
	return int(math.Round(s.SampleRate * s.Length.Seconds()))
}

// Validate checks that the settings describe a usable capture.
func (s CaptureSettings) Validate() error {
	if !(s.SampleRate > 0) {
		return fmt.Errorf("scope: sample rate must be positive, got %v", s.SampleRate)
	}
	if s.Length <= 0 {
		return fmt.Errorf("scope: record length must be positive, got %v", s.Length)
	}
	if s.Points() < 1 {
		return fmt.Errorf("scope: record of %v at %v Hz holds no samples", s.Length, s.SampleRate)
	}
	if !(s.Range > 0) {
		return fmt.Errorf("scope: range must be positive, got %v", s.Range)
	}
	return nil
}

// commands renders the settings as SCPI configuration commands.
func (s CaptureSettings) commands() []string {
	return []string{
		":WAV:SOUR CHAN1",
		":WAV:FORM ASC",
		fmt.Sprintf(":CHAN1:RANG %g", s.Range),
		fmt.Sprintf(":ACQ:SRAT %g", s.SampleRate),
		fmt.Sprintf(":ACQ:POIN %d", s.Points()),
		":TRIG:MODE EDGE",
		":TRIG:EDGE:SOUR CHAN1",
		":TRIG:EDGE:SLOP POS",
		fmt.Sprintf(":TRIG:EDGE:LEV %g", s.TriggerLevel),
		fmt.Sprintf(":TRIG:HYST %g", s.TriggerHysteresis),
		fmt.Sprintf(":TRIG:POS %g", s.TriggerPosition.Seconds()),
		":TRIG:SWE NORM",
	}
}

// Transport is the command channel to a SCPI instrument. *serialport.Line
// satisfies it.
type Transport interface {
	SendCommand(command string) error
	Transact(ctx context.Context, command string, done func(line string) bool) ([]string, error)
	Close() error
}

// SCPISource captures waveforms from a SCPI oscilloscope that returns ASCII
// comma-separated samples in volts.
type SCPISource struct {
	transport Transport
	settings  CaptureSettings
}

// OpenSCPI takes ownership of t, checks the instrument identifies itself and
// configures the capture.
func OpenSCPI(ctx context.Context, t Transport, settings CaptureSettings) (*SCPISource, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	s := &SCPISource{transport: t, settings: settings}

	resp, err := t.Transact(ctx, "*IDN?", nonEmpty)
	if err != nil {
		return nil, fmt.Errorf("scope: identify: %w", err)
	}
	logf("connected to %s", resp[len(resp)-1])

	for _, cmd := range settings.commands() {
		if err := t.SendCommand(cmd); err != nil {
			return nil, fmt.Errorf("scope: configure %q: %w", cmd, err)
		}
	}
	if err := s.sync(ctx); err != nil {
		return nil, fmt.Errorf("scope: configure: %w", err)
	}
	return s, nil
}

func nonEmpty(line string) bool { return strings.TrimSpace(line) != "" }

// sync blocks until the instrument has finished every pending operation.
func (s *SCPISource) sync(ctx context.Context) error {
	resp, err := s.transport.Transact(ctx, "*OPC?", nonEmpty)
	if err != nil {
		return err
	}
	if got := strings.TrimSpace(resp[len(resp)-1]); got != "1" {
		return fmt.Errorf("unexpected *OPC? reply %q", got)
	}
	return nil
}

// Capture arms a single acquisition, waits for the trigger and reads the
// record back.
func (s *SCPISource) Capture(ctx context.Context) ([]float64, error) {
	if err := s.transport.SendCommand(":SING"); err != nil {
		return nil, fmt.Errorf("arm: %w", err)
	}
	if err := s.sync(ctx); err != nil {
		return nil, fmt.Errorf("wait for trigger: %w", err)
	}
	resp, err := s.transport.Transact(ctx, ":WAV:DATA?", nonEmpty)
	if err != nil {
		return nil, fmt.Errorf("read waveform: %w", err)
	}
	return ParseSamples(resp[len(resp)-1])
}

// Settings returns the capture configuration.
func (s *SCPISource) Settings() CaptureSettings { return s.settings }

// Close releases the transport.
func (s *SCPISource) Close() error {
	return s.transport.Close()
}

// ParseSamples parses a comma-separated ASCII waveform record.
func ParseSamples(line string) ([]float64, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptyWaveform
	}
	fields := strings.Split(strings.TrimSuffix(line, ","), ",")
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("scope: sample %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
