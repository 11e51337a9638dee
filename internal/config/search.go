package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/scanning-tank/internal/gantry"
	"github.com/banshee-data/scanning-tank/internal/peak"
	"github.com/banshee-data/scanning-tank/internal/scope"
	"github.com/banshee-data/scanning-tank/internal/serialport"
	"github.com/banshee-data/scanning-tank/internal/workspace"
)

// DefaultConfigPath is the path to the canonical search defaults file.
const DefaultConfigPath = "config/search.defaults.json"

// SearchConfig is the on-disk configuration for a peak search session.
// Every field is optional; the Get* methods fall back to the tuned defaults.
type SearchConfig struct {
	// Start position (mm)
	StartX *float64 `json:"start_x,omitempty"`
	StartY *float64 `json:"start_y,omitempty"`
	StartZ *float64 `json:"start_z,omitempty"`

	// Search params
	MaxIterations        *int     `json:"max_iterations,omitempty"`
	ConvergenceThreshold *float64 `json:"convergence_threshold,omitempty"`
	LearningRate         *float64 `json:"learning_rate,omitempty"`
	Epsilon              *float64 `json:"epsilon,omitempty"`
	SettleTime           *string  `json:"settle_time,omitempty"`    // duration string like "20ms"
	InitialSettle        *string  `json:"initial_settle,omitempty"` // wait after the first move, like "2s"

	Bounds *BoundsConfig `json:"bounds,omitempty"`

	// Gantry
	Feedrate         *int    `json:"feedrate,omitempty"` // mm/min
	PrinterPort      *string `json:"printer_port,omitempty"`
	PrinterBaud      *int    `json:"printer_baud,omitempty"`
	HomeBeforeSearch *bool   `json:"home_before_search,omitempty"`

	// Scope
	ScopePort *string  `json:"scope_port,omitempty"`
	ScopeBaud *int     `json:"scope_baud,omitempty"`
	KPaPerMV  *float64 `json:"kpa_per_mv,omitempty"`
}

// BoundsConfig overrides individual workspace limits.
type BoundsConfig struct {
	XMin *float64 `json:"x_min,omitempty"`
	XMax *float64 `json:"x_max,omitempty"`
	YMin *float64 `json:"y_min,omitempty"`
	YMax *float64 `json:"y_max,omitempty"`
	ZMin *float64 `json:"z_min,omitempty"`
	ZMax *float64 `json:"z_max,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptySearchConfig returns a SearchConfig with all fields set to nil.
func EmptySearchConfig() *SearchConfig {
	return &SearchConfig{}
}

// Device and timing defaults not owned by another package.
const (
	DefaultPrinterPort   = "/dev/ttyUSB0"
	DefaultScopePort     = "/dev/ttyACM0"
	DefaultInitialSettle = 2 * time.Second
)

// DefaultStart is the search start position when none is configured.
var DefaultStart = workspace.Position{X: 0, Y: -60, Z: 180}

// DefaultSearchConfig returns a SearchConfig with every field populated with
// its default value.
func DefaultSearchConfig() *SearchConfig {
	params := peak.DefaultParams()
	b := workspace.DefaultBounds()
	return &SearchConfig{
		StartX:               ptrFloat64(DefaultStart.X),
		StartY:               ptrFloat64(DefaultStart.Y),
		StartZ:               ptrFloat64(DefaultStart.Z),
		MaxIterations:        ptrInt(int(params.MaxIterations)),
		ConvergenceThreshold: ptrFloat64(params.ConvergenceThreshold),
		LearningRate:         ptrFloat64(params.LearningRate),
		Epsilon:              ptrFloat64(params.Epsilon),
		SettleTime:           ptrString(params.SettleTime.String()),
		InitialSettle:        ptrString(DefaultInitialSettle.String()),
		Bounds: &BoundsConfig{
			XMin: ptrFloat64(b.Min.X), XMax: ptrFloat64(b.Max.X),
			YMin: ptrFloat64(b.Min.Y), YMax: ptrFloat64(b.Max.Y),
			ZMin: ptrFloat64(b.Min.Z), ZMax: ptrFloat64(b.Max.Z),
		},
		Feedrate:         ptrInt(gantry.DefaultFeedrate),
		PrinterPort:      ptrString(DefaultPrinterPort),
		PrinterBaud:      ptrInt(serialport.DefaultBaudRate),
		HomeBeforeSearch: ptrBool(false),
		ScopePort:        ptrString(DefaultScopePort),
		ScopeBaud:        ptrInt(serialport.DefaultBaudRate),
		KPaPerMV:         ptrFloat64(scope.DefaultKPaPerMV),
	}
}

// LoadSearchConfig loads a SearchConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to defaults, so partial configs
// are safe.
func LoadSearchConfig(path string) (*SearchConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySearchConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents up to the repository root.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *SearchConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadSearchConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *SearchConfig) Validate() error {
	if c.MaxIterations != nil && *c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", *c.MaxIterations)
	}
	if c.MaxIterations != nil && int64(*c.MaxIterations) > math.MaxUint32 {
		return fmt.Errorf("max_iterations too large: %d", *c.MaxIterations)
	}

	for name, s := range map[string]*string{"settle_time": c.SettleTime, "initial_settle": c.InitialSettle} {
		if s == nil || *s == "" {
			continue
		}
		d, err := time.ParseDuration(*s)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *s)
		}
	}

	if err := c.GetParams().Validate(); err != nil {
		return err
	}
	if err := c.GetBounds().Validate(); err != nil {
		return fmt.Errorf("bounds: %w", err)
	}

	start := c.GetStart()
	for _, v := range start.Slice() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("start position must be finite, got %s", start)
		}
	}

	if c.Feedrate != nil && *c.Feedrate <= 0 {
		return fmt.Errorf("feedrate must be positive, got %d", *c.Feedrate)
	}
	if c.KPaPerMV != nil && !(*c.KPaPerMV > 0) {
		return fmt.Errorf("kpa_per_mv must be positive, got %f", *c.KPaPerMV)
	}
	for name, baud := range map[string]*int{"printer_baud": c.PrinterBaud, "scope_baud": c.ScopeBaud} {
		if baud == nil {
			continue
		}
		if _, err := (serialport.PortOptions{BaudRate: *baud}).Normalize(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// GetStart returns the search start position.
func (c *SearchConfig) GetStart() workspace.Position {
	return workspace.Position{
		X: floatOr(c.StartX, DefaultStart.X),
		Y: floatOr(c.StartY, DefaultStart.Y),
		Z: floatOr(c.StartZ, DefaultStart.Z),
	}
}

// GetSettleTime returns the per-sample settle wait.
func (c *SearchConfig) GetSettleTime() time.Duration {
	return durationOr(c.SettleTime, peak.DefaultParams().SettleTime)
}

// GetInitialSettle returns the wait after the move to the start position.
func (c *SearchConfig) GetInitialSettle() time.Duration {
	return durationOr(c.InitialSettle, DefaultInitialSettle)
}

// GetParams assembles the search parameters.
func (c *SearchConfig) GetParams() peak.Params {
	p := peak.DefaultParams()
	if c.MaxIterations != nil && *c.MaxIterations > 0 && int64(*c.MaxIterations) <= math.MaxUint32 {
		p.MaxIterations = uint32(*c.MaxIterations)
	}
	p.ConvergenceThreshold = floatOr(c.ConvergenceThreshold, p.ConvergenceThreshold)
	p.LearningRate = floatOr(c.LearningRate, p.LearningRate)
	p.Epsilon = floatOr(c.Epsilon, p.Epsilon)
	p.SettleTime = c.GetSettleTime()
	return p
}

// GetBounds returns the workspace with any configured overrides applied.
func (c *SearchConfig) GetBounds() workspace.Bounds {
	b := workspace.DefaultBounds()
	if c.Bounds == nil {
		return b
	}
	b.Min.X = floatOr(c.Bounds.XMin, b.Min.X)
	b.Max.X = floatOr(c.Bounds.XMax, b.Max.X)
	b.Min.Y = floatOr(c.Bounds.YMin, b.Min.Y)
	b.Max.Y = floatOr(c.Bounds.YMax, b.Max.Y)
	b.Min.Z = floatOr(c.Bounds.ZMin, b.Min.Z)
	b.Max.Z = floatOr(c.Bounds.ZMax, b.Max.Z)
	return b
}

// GetFeedrate returns the gantry feedrate in mm/min.
func (c *SearchConfig) GetFeedrate() int {
	if c.Feedrate == nil {
		return gantry.DefaultFeedrate
	}
	return *c.Feedrate
}

// GetHomeBeforeSearch reports whether the gantry should home before searching.
func (c *SearchConfig) GetHomeBeforeSearch() bool {
	if c.HomeBeforeSearch == nil {
		return false // default
	}
	return *c.HomeBeforeSearch
}

// GetKPaPerMV returns the hydrophone sensitivity.
func (c *SearchConfig) GetKPaPerMV() float64 {
	return floatOr(c.KPaPerMV, scope.DefaultKPaPerMV)
}

// GetPrinterPort returns the gantry serial device path.
func (c *SearchConfig) GetPrinterPort() string {
	if c.PrinterPort == nil || *c.PrinterPort == "" {
		return DefaultPrinterPort
	}
	return *c.PrinterPort
}

// GetScopePort returns the oscilloscope serial device path.
func (c *SearchConfig) GetScopePort() string {
	if c.ScopePort == nil || *c.ScopePort == "" {
		return DefaultScopePort
	}
	return *c.ScopePort
}

// GetPrinterPortOptions returns the serial options for the gantry.
func (c *SearchConfig) GetPrinterPortOptions() serialport.PortOptions {
	return portOptions(c.PrinterBaud)
}

// GetScopePortOptions returns the serial options for the oscilloscope.
func (c *SearchConfig) GetScopePortOptions() serialport.PortOptions {
	return portOptions(c.ScopeBaud)
}

func portOptions(baud *int) serialport.PortOptions {
	if baud == nil {
		return serialport.PortOptions{BaudRate: serialport.DefaultBaudRate}
	}
	return serialport.PortOptions{BaudRate: *baud}
}

// ErrUnknownOverride is returned by Set for a key that is not a config field.
var ErrUnknownOverride = errors.New("unknown config key")

// Set overrides one field from its JSON name and a JSON-encoded value, the
// way command-line flags feed into the loaded file.
func (c *SearchConfig) Set(key, value string) error {
	var target any
	switch key {
	case "start_x":
		target = &c.StartX
	case "start_y":
		target = &c.StartY
	case "start_z":
		target = &c.StartZ
	case "max_iterations":
		target = &c.MaxIterations
	case "convergence_threshold":
		target = &c.ConvergenceThreshold
	case "learning_rate":
		target = &c.LearningRate
	case "epsilon":
		target = &c.Epsilon
	case "feedrate":
		target = &c.Feedrate
	case "kpa_per_mv":
		target = &c.KPaPerMV
	case "home_before_search":
		target = &c.HomeBeforeSearch
	case "settle_time", "initial_settle", "printer_port", "scope_port":
		s := value
		switch key {
		case "settle_time":
			c.SettleTime = &s
		case "initial_settle":
			c.InitialSettle = &s
		case "printer_port":
			c.PrinterPort = &s
		case "scope_port":
			c.ScopePort = &s
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOverride, key)
	}
	if err := json.Unmarshal([]byte(value), target); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}
