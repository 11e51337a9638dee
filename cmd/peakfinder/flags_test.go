package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanning-tank/internal/config"
	"github.com/banshee-data/scanning-tank/internal/monitoring"
	"github.com/banshee-data/scanning-tank/internal/peak"
	"github.com/banshee-data/scanning-tank/internal/runstore"
	"github.com/banshee-data/scanning-tank/internal/workspace"
)

// TestFlagDefaults verifies the top-level flags exist with the expected
// defaults.
func TestFlagDefaults(t *testing.T) {
	if devMode == nil || dbPath == nil || plotDir == nil {
		t.Fatal("flags not defined")
	}
	if *devMode {
		t.Errorf("expected dev default false")
	}
	if *dbPath != "peak_runs.db" {
		t.Errorf("expected db default peak_runs.db, got %q", *dbPath)
	}
	if *plotDir != "" {
		t.Errorf("expected plot-dir default empty, got %q", *plotDir)
	}

	// Every override flag must be registered and map to a key Set accepts.
	for name, key := range flagKeys {
		if flag.Lookup(name) == nil {
			t.Errorf("override flag %q not registered", name)
		}
		if err := config.EmptySearchConfig().Set(key, flag.Lookup(name).DefValue); err != nil {
			t.Errorf("key %q rejected default: %v", key, err)
		}
	}
}

func overrideFlags(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	fs := flag.NewFlagSet("peakfinder", flag.ContinueOnError)
	fs.String("start", "", "")
	fs.Int("max-iterations", 0, "")
	fs.Float64("learning-rate", 0, "")
	fs.Float64("epsilon", 0, "")
	fs.Duration("settle-time", 0, "")
	fs.String("printer-port", "", "")
	fs.Bool("home", false, "")
	fs.Bool("dev", false, "")
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadConfig_Overrides(t *testing.T) {
	fs := overrideFlags(t,
		"-start", "1.5, -20, 170",
		"-max-iterations", "42",
		"-settle-time", "5ms",
		"-printer-port", "/dev/ttyUSB3",
		"-home",
		"-dev",
	)
	cfg, err := loadConfig("", fs)
	require.NoError(t, err)

	assert.Equal(t, workspace.Position{X: 1.5, Y: -20, Z: 170}, cfg.GetStart())
	params := cfg.GetParams()
	assert.Equal(t, uint32(42), params.MaxIterations)
	assert.Equal(t, 5*time.Millisecond, params.SettleTime)
	assert.Equal(t, peak.DefaultParams().LearningRate, params.LearningRate)
	assert.Equal(t, "/dev/ttyUSB3", cfg.GetPrinterPort())
	assert.True(t, cfg.GetHomeBeforeSearch())
}

func TestLoadConfig_FileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"learning_rate": 0.25, "max_iterations": 10}`), 0o644))

	cfg, err := loadConfig(path, overrideFlags(t, "-max-iterations", "12"))
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.GetParams().LearningRate)
	assert.Equal(t, uint32(12), cfg.GetParams().MaxIterations)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"start needs three values", []string{"-start", "1,2"}},
		{"start not numeric", []string{"-start", "1,a,3"}},
		{"zero epsilon", []string{"-epsilon", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig("", overrideFlags(t, tt.args...))
			assert.Error(t, err)
		})
	}

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"), overrideFlags(t))
	assert.Error(t, err)
}

func TestRunDevMode(t *testing.T) {
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	dir := t.TempDir()
	cfg := config.EmptySearchConfig()
	require.NoError(t, cfg.Set("max_iterations", "60"))
	require.NoError(t, cfg.Set("home_before_search", "true"))

	opts := runOptions{
		dev:     true,
		devSeed: 7,
		dbPath:  filepath.Join(dir, "runs.db"),
		plotDir: filepath.Join(dir, "plots"),
		json:    true,
	}
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, opts, &out))

	var payload peak.Payload
	require.NoError(t, json.Unmarshal(out.Bytes(), &payload))
	assert.Equal(t, uint32(60), payload.Iterations)
	assert.Less(t, workspace.FromSlice(payload.PeakPosition[:]).Distance(devFocus), 1.0)

	store, err := runstore.Open(opts.dbPath)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.List(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 60, runs[0].Iterations)

	entries, err := os.ReadDir(opts.plotDir)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestRunDevMode_TextSummary(t *testing.T) {
	monitoring.SetLogger(nil)
	cfg := config.EmptySearchConfig()
	require.NoError(t, cfg.Set("max_iterations", "3"))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, runOptions{dev: true, devSeed: 1}, &out))
	assert.Contains(t, out.String(), "=== peak search")
	assert.Contains(t, out.String(), "run:        -")
	assert.Contains(t, out.String(), "iterations: 3")
}

func TestRunDevMode_HomesInsideNarrowBounds(t *testing.T) {
	monitoring.SetLogger(nil)
	yMax, zMax := -5.0, 175.0
	cfg := config.EmptySearchConfig()
	cfg.Bounds = &config.BoundsConfig{YMax: &yMax, ZMax: &zMax}
	require.NoError(t, cfg.Set("max_iterations", "3"))
	require.NoError(t, cfg.Set("home_before_search", "true"))
	require.NoError(t, cfg.Validate())

	require.NoError(t, run(context.Background(), cfg, runOptions{dev: true}, &bytes.Buffer{}))
}

func TestProgressTracksBestPressure(t *testing.T) {
	var logs []string
	prog := newProgress(3, func(format string, v ...any) {
		logs = append(logs, fmt.Sprintf(format, v...))
	})

	for i, pressure := range []float64{5, 9, 3} {
		prog.observe(peak.Record{
			Iteration: i + 1,
			Position:  workspace.Position{X: float64(i)},
			Pressure:  pressure,
		}, 0.5)
	}

	require.Len(t, logs, 3)
	assert.Equal(t, 9.0, prog.best.Pressure)
	assert.Equal(t, 2, prog.best.Iteration)
	assert.True(t, strings.Contains(logs[2], "pressure 3.00 kPa"), logs[2])
	assert.True(t, strings.Contains(logs[2], "best 9.00 kPa at (1.00, 0.00, 0.00)"), logs[2])
}

func TestRunCancelled(t *testing.T) {
	monitoring.SetLogger(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := run(ctx, config.EmptySearchConfig(), runOptions{dev: true}, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}
