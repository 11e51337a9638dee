package peak

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/scanning-tank/internal/gradient"
	"github.com/banshee-data/scanning-tank/internal/probe"
	"github.com/banshee-data/scanning-tank/internal/workspace"
)

// State is the lifecycle state of a Controller.
type State int

const (
	Idle State = iota
	Running
	Converged
	Exhausted
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Converged:
		return "converged"
	case Exhausted:
		return "exhausted"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == Converged || s == Exhausted || s == Faulted
}

var (
	// ErrInvalidParameter is returned before any hardware call when Params
	// fail validation.
	ErrInvalidParameter = errors.New("peak: invalid parameter")
	// ErrControllerUsed is returned when FindPeak is called twice on one
	// Controller.
	ErrControllerUsed = errors.New("peak: controller already used")
)

// Params controls one search.
type Params struct {
	MaxIterations        uint32        `json:"max_iterations"`
	ConvergenceThreshold float64       `json:"convergence_threshold"`
	LearningRate         float64       `json:"learning_rate"`
	Epsilon              float64       `json:"epsilon"`
	SettleTime           time.Duration `json:"settle_time"`
}

// DefaultParams returns the parameters the tank has been tuned with.
func DefaultParams() Params {
	return Params{
		MaxIterations:        200,
		ConvergenceThreshold: 0.01,
		LearningRate:         0.5,
		Epsilon:              0.1,
		SettleTime:           20 * time.Millisecond,
	}
}

// Validate rejects parameters that would make the search meaningless.
func (p Params) Validate() error {
	if p.MaxIterations == 0 {
		return fmt.Errorf("%w: max_iterations must be positive", ErrInvalidParameter)
	}
	if !(p.Epsilon > 0) || math.IsInf(p.Epsilon, 0) {
		return fmt.Errorf("%w: epsilon must be positive and finite, got %v", ErrInvalidParameter, p.Epsilon)
	}
	if p.SettleTime < 0 {
		return fmt.Errorf("%w: settle_time must be non-negative, got %v", ErrInvalidParameter, p.SettleTime)
	}
	if math.IsNaN(p.LearningRate) || math.IsInf(p.LearningRate, 0) {
		return fmt.Errorf("%w: learning_rate must be finite, got %v", ErrInvalidParameter, p.LearningRate)
	}
	if math.IsNaN(p.ConvergenceThreshold) || math.IsInf(p.ConvergenceThreshold, 0) {
		return fmt.Errorf("%w: convergence_threshold must be finite, got %v", ErrInvalidParameter, p.ConvergenceThreshold)
	}
	return nil
}

// Record is one iteration of the search: the measurement at the current
// position and the gradient estimated there.
type Record struct {
	Iteration int                `json:"iteration"`
	Seq       uint64             `json:"seq"`
	Position  workspace.Position `json:"position"`
	Pressure  float64            `json:"pressure"`
	Gradient  gradient.Vector    `json:"gradient"`
}

// History is the append-only trajectory of one search. Positions starts
// with the clamped start position and gains one entry per ascent update.
type History struct {
	Positions  []workspace.Position `json:"positions"`
	Records    []Record             `json:"records"`
	Iterations int                  `json:"iterations"`
	Converged  bool                 `json:"converged"`
}

// Result is the terminal snapshot of a search. Final is the zero value when
// the search faulted before the terminal readout.
type Result struct {
	PeakPosition workspace.Position `json:"peak_position"`
	PeakPressure float64            `json:"peak_pressure"`
	Final        probe.Measurement  `json:"final"`
	Converged    bool               `json:"converged"`
	Iterations   int                `json:"iterations"`
	History      History            `json:"history"`
	State        State              `json:"-"`
	Duration     time.Duration      `json:"-"`
}

// HistoryEntry is one element of Payload.History.
type HistoryEntry struct {
	Position workspace.Position `json:"position"`
	Pressure float64            `json:"pressure"`
	Gradient gradient.Vector    `json:"gradient"`
}

// Payload is the caller-facing result shape.
type Payload struct {
	PeakPosition [3]float64     `json:"peak_position"`
	PeakPressure float64        `json:"peak_pressure"`
	Converged    bool           `json:"converged"`
	History      []HistoryEntry `json:"history"`
	Iterations   uint32         `json:"iterations"`
}

// Payload flattens the result for JSON output.
func (r *Result) Payload() Payload {
	entries := make([]HistoryEntry, len(r.History.Records))
	for i, rec := range r.History.Records {
		entries[i] = HistoryEntry{Position: rec.Position, Pressure: rec.Pressure, Gradient: rec.Gradient}
	}
	return Payload{
		PeakPosition: [3]float64{r.PeakPosition.X, r.PeakPosition.Y, r.PeakPosition.Z},
		PeakPressure: r.PeakPressure,
		Converged:    r.Converged,
		History:      entries,
		Iterations:   uint32(r.Iterations),
	}
}

// FaultError reports a search aborted by a hardware fault. History holds
// everything gathered before the fault.
type FaultError struct {
	Iteration int
	History   History
	Err       error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("peak: search aborted in iteration %d after %d records: %v",
		e.Iteration, len(e.History.Records), e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }
