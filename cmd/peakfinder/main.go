// Command peakfinder drives the scanning tank's gantry and hydrophone to find
// the spatial pressure peak of the transducer's focus.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/scanning-tank/internal/config"
	"github.com/banshee-data/scanning-tank/internal/field"
	"github.com/banshee-data/scanning-tank/internal/gantry"
	"github.com/banshee-data/scanning-tank/internal/monitoring"
	"github.com/banshee-data/scanning-tank/internal/peak"
	"github.com/banshee-data/scanning-tank/internal/probe"
	"github.com/banshee-data/scanning-tank/internal/report"
	"github.com/banshee-data/scanning-tank/internal/runstore"
	"github.com/banshee-data/scanning-tank/internal/scope"
	"github.com/banshee-data/scanning-tank/internal/serialport"
	"github.com/banshee-data/scanning-tank/internal/timeutil"
	"github.com/banshee-data/scanning-tank/internal/version"
	"github.com/banshee-data/scanning-tank/internal/workspace"
)

var (
	configPath  = flag.String("config", "", "Path to search config JSON (defaults are used when empty)")
	devMode     = flag.Bool("dev", false, "Run against a simulated field instead of hardware")
	devSeed     = flag.Uint64("dev-seed", 1, "Noise seed for the simulated field")
	dbPath      = flag.String("db", "peak_runs.db", "SQLite database for run history (empty disables)")
	plotDir     = flag.String("plot-dir", "", "Directory for PNG/HTML plots of the run (empty disables)")
	jsonOut     = flag.Bool("json", false, "Print the result payload as JSON")
	showVersion = flag.Bool("version", false, "Print version and exit")

	// Overrides for config file values. Only flags set on the command line
	// are applied.
	_ = flag.String("printer-port", "", "Gantry serial port")
	_ = flag.String("scope-port", "", "Oscilloscope serial port")
	_ = flag.String("start", "", "Start position as x,y,z in mm")
	_ = flag.Int("max-iterations", 0, "Number of ascent iterations")
	_ = flag.Float64("learning-rate", 0, "Ascent step scale")
	_ = flag.Float64("epsilon", 0, "Stencil step in mm")
	_ = flag.Float64("convergence-threshold", 0, "Gradient magnitude below which the run counts as converged")
	_ = flag.Duration("settle-time", 0, "Wait after each move before sampling")
	_ = flag.Bool("home", false, "Home the gantry before searching")
)

// flagKeys maps override flags to config keys.
var flagKeys = map[string]string{
	"printer-port":          "printer_port",
	"scope-port":            "scope_port",
	"max-iterations":        "max_iterations",
	"learning-rate":         "learning_rate",
	"epsilon":               "epsilon",
	"convergence-threshold": "convergence_threshold",
	"settle-time":           "settle_time",
	"home":                  "home_before_search",
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("peakfinder", version.String())
		return
	}

	cfg, err := loadConfig(*configPath, flag.CommandLine)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// Cancelling ctx makes the next blocking hardware call fail, which the
	// controller reports as a fault with the partial history intact.
	context.AfterFunc(ctx, func() { log.Print("interrupted: aborting search") })

	opts := runOptions{
		dev:     *devMode,
		devSeed: *devSeed,
		dbPath:  *dbPath,
		plotDir: *plotDir,
		json:    *jsonOut,
	}
	if err := run(ctx, cfg, opts, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file (if any) and applies the flags that were
// explicitly set on fs.
func loadConfig(path string, fs *flag.FlagSet) (*config.SearchConfig, error) {
	cfg := config.EmptySearchConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadSearchConfig(path); err != nil {
			return nil, err
		}
	}

	var overrideErr error
	fs.Visit(func(f *flag.Flag) {
		if overrideErr != nil {
			return
		}
		if f.Name == "start" {
			overrideErr = applyStart(cfg, f.Value.String())
			return
		}
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		overrideErr = cfg.Set(key, f.Value.String())
	})
	if overrideErr != nil {
		return nil, overrideErr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyStart parses "x,y,z" into the start_* keys.
func applyStart(cfg *config.SearchConfig, s string) error {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return fmt.Errorf("start must be x,y,z, got %q", s)
	}
	for i, key := range []string{"start_x", "start_y", "start_z"} {
		v := strings.TrimSpace(parts[i])
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("start %s: %w", key, err)
		}
		if err := cfg.Set(key, v); err != nil {
			return err
		}
	}
	return nil
}

type runOptions struct {
	dev     bool
	devSeed uint64
	dbPath  string
	plotDir string
	json    bool
}

// session owns the opened hardware for the duration of one search.
type session struct {
	actuator probe.Actuator
	sensor   probe.Sensor
	clock    timeutil.Clock
	home     func(context.Context) error
	closers  []io.Closer
}

// printerBacklog holds Marlin's boot banner, which with EEPROM echo runs to a
// few hundred lines, until Open drains it.
const printerBacklog = 512

// devFocus is where the simulated transducer focus sits.
var devFocus = workspace.Position{X: 6, Y: -42, Z: 171}

func openSession(ctx context.Context, cfg *config.SearchConfig, opts runOptions) (*session, error) {
	if opts.dev {
		sim := field.NewSimulatedProbe(
			field.Gaussian(devFocus, 120, 12),
			workspace.Position{},
			field.WithNoise(0.05, opts.devSeed),
			field.WithBounds(cfg.GetBounds()),
		)
		log.Printf("dev mode: simulated focus at %s", devFocus)
		return &session{
			actuator: sim,
			sensor:   sim,
			// Simulated time, so settle waits cost nothing.
			clock: timeutil.NewMockClock(time.Now()),
			home: func(ctx context.Context) error {
				return sim.MoveTo(ctx, gantry.ParkPosition(cfg.GetBounds()))
			},
		}, nil
	}

	s := &session{clock: timeutil.RealClock{}}

	printerLine, err := serialport.Open(cfg.GetPrinterPort(), cfg.GetPrinterPortOptions(),
		serialport.WithTimeout(2*time.Minute), serialport.WithBacklog(printerBacklog))
	if err != nil {
		return nil, fmt.Errorf("printer: %w", err)
	}
	printer, err := gantry.Open(ctx, printerLine,
		gantry.WithFeedrate(cfg.GetFeedrate()), gantry.WithBounds(cfg.GetBounds()))
	if err != nil {
		printerLine.Close()
		return nil, err
	}
	s.closers = append(s.closers, printer)
	s.actuator = printer
	s.home = printer.Home

	scopeLine, err := serialport.Open(cfg.GetScopePort(), cfg.GetScopePortOptions(), serialport.WithTimeout(10*time.Second))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("scope: %w", err)
	}
	src, err := scope.OpenSCPI(ctx, scopeLine, scope.DefaultCaptureSettings())
	if err != nil {
		scopeLine.Close()
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, src)

	hydrophone, err := scope.NewHydrophone(src, cfg.GetKPaPerMV())
	if err != nil {
		s.Close()
		return nil, err
	}
	s.sensor = hydrophone
	return s, nil
}

// Close releases everything the session opened, newest first.
func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func run(ctx context.Context, cfg *config.SearchConfig, opts runOptions, out io.Writer) error {
	sess, err := openSession(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	bounds := cfg.GetBounds()
	params := cfg.GetParams()
	start := bounds.Clamp(cfg.GetStart())

	if cfg.GetHomeBeforeSearch() {
		log.Print("homing gantry")
		if err := sess.home(ctx); err != nil {
			return fmt.Errorf("home: %w", err)
		}
	}

	log.Printf("moving to start %s", start)
	if err := sess.actuator.MoveTo(ctx, start); err != nil {
		return fmt.Errorf("move to start: %w", err)
	}
	sess.clock.Sleep(cfg.GetInitialSettle())

	ch, err := probe.NewChannel(sess.actuator, sess.sensor, bounds, params.SettleTime, probe.WithClock(sess.clock))
	if err != nil {
		return err
	}

	prog := newProgress(params.MaxIterations, log.Printf)
	res, searchErr := peak.FindPeak(ctx, ch, bounds, start, params,
		peak.WithObserver(prog.observe), peak.WithClock(sess.clock))
	if res == nil {
		return searchErr
	}

	runID := ""
	if opts.dbPath != "" {
		store, err := runstore.Open(opts.dbPath)
		if err != nil {
			return errors.Join(searchErr, fmt.Errorf("open run store: %w", err))
		}
		defer store.Close()
		r := runstore.NewRun(res, params, start, searchErr)
		if err := store.Insert(r); err != nil {
			return errors.Join(searchErr, err)
		}
		runID = r.RunID
	}

	if opts.plotDir != "" && len(res.History.Records) > 0 {
		prefix := "run_"
		if runID != "" {
			prefix = runID + "_"
		}
		paths, err := report.SavePlots(opts.plotDir, prefix, res.History)
		if err != nil {
			return errors.Join(searchErr, err)
		}
		htmlPath := filepath.Join(opts.plotDir, prefix+"report.html")
		if err := report.SaveHTML(htmlPath, "Peak search "+runID, res.History); err != nil {
			return errors.Join(searchErr, err)
		}
		monitoring.Logf("wrote %d plots and %s", len(paths), htmlPath)
	}

	if err := printSummary(out, res, runID, opts.json); err != nil {
		return errors.Join(searchErr, err)
	}
	return searchErr
}

// progress logs every tenth of the budget and tracks the highest pressure
// recorded so far.
type progress struct {
	every int
	total uint32
	best  peak.Record
	seen  bool
	logf  func(format string, v ...any)
}

func newProgress(total uint32, logf func(format string, v ...any)) *progress {
	return &progress{every: max(1, int(total)/10), total: total, logf: logf}
}

func (p *progress) observe(rec peak.Record, gradMag float64) {
	if !p.seen || rec.Pressure > p.best.Pressure {
		p.best = rec
		p.seen = true
	}
	if rec.Iteration%p.every == 0 {
		p.logf("progress %d/%d: pressure %.2f kPa at %s (|grad| %.4f), best %.2f kPa at %s",
			rec.Iteration, p.total, rec.Pressure, rec.Position, gradMag, p.best.Pressure, p.best.Position)
	}
}

func printSummary(w io.Writer, res *peak.Result, runID string, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Payload())
	}

	_, err := fmt.Fprintf(w, `
=== peak search %s ===
run:        %s
position:   %s mm
pressure:   %.2f kPa
iterations: %d
converged:  %v
duration:   %s
`, res.State, orDash(runID), res.PeakPosition, res.PeakPressure, res.Iterations, res.Converged,
		res.Duration.Round(time.Millisecond))
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
