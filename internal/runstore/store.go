// Package runstore persists peak search runs and their iteration histories
// in SQLite.
package runstore

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/scanning-tank/internal/gradient"
	"github.com/banshee-data/scanning-tank/internal/monitoring"
	"github.com/banshee-data/scanning-tank/internal/peak"
	"github.com/banshee-data/scanning-tank/internal/version"
	"github.com/banshee-data/scanning-tank/internal/workspace"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("runstore: run not found")

var logf = monitoring.Prefixed("runstore")

// Run is one stored search. Samples is only populated by Get.
type Run struct {
	RunID        string               `json:"run_id"`
	CreatedAtNs  int64                `json:"created_at_ns"`
	Version      string               `json:"version"`
	State        string               `json:"state"`
	Converged    bool                 `json:"converged"`
	Iterations   int                  `json:"iterations"`
	Start        workspace.Position   `json:"start"`
	PeakPosition workspace.Position   `json:"peak_position"`
	PeakPressure float64              `json:"peak_pressure"`
	Params       peak.Params          `json:"params"`
	Trajectory   []workspace.Position `json:"trajectory"`
	DurationNs   int64                `json:"duration_ns"`
	Fault        string               `json:"fault,omitempty"`
	Samples      []peak.Record        `json:"samples,omitempty"`
}

// NewRun captures a finished (or faulted) search for storage. runErr is the
// error FindPeak returned alongside res, if any.
func NewRun(res *peak.Result, params peak.Params, start workspace.Position, runErr error) *Run {
	r := &Run{
		Version:      version.Version,
		State:        res.State.String(),
		Converged:    res.Converged,
		Iterations:   res.Iterations,
		Start:        start,
		PeakPosition: res.PeakPosition,
		PeakPressure: res.PeakPressure,
		Params:       params,
		Trajectory:   res.History.Positions,
		DurationNs:   res.Duration.Nanoseconds(),
		Samples:      res.History.Records,
	}
	if runErr != nil {
		r.Fault = runErr.Error()
	}
	return r
}

// Store wraps the run database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite PRAGMAs are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrateUp runs all pending migrations up to the latest version.
func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// Note: m is not closed because that would close the underlying DB connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (uint, error) {
	var v uint
	err := s.db.QueryRow(`SELECT version FROM schema_migrations LIMIT 1`).Scan(&v)
	return v, err
}

// migrateLogger implements migrate.Logger interface
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Insert stores run and its samples in one transaction. If run.RunID is
// empty, a new UUID is generated.
func (s *Store) Insert(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAtNs == 0 {
		run.CreatedAtNs = time.Now().UnixNano()
	}

	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	trajectory, err := json.Marshal(run.Trajectory)
	if err != nil {
		return fmt.Errorf("marshal trajectory: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO peak_runs (
			run_id, created_at_ns, version, state, converged, iterations,
			start_x, start_y, start_z, peak_x, peak_y, peak_z, peak_pressure,
			params_json, trajectory_json, duration_ns, fault
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.CreatedAtNs, run.Version, run.State, run.Converged, run.Iterations,
		run.Start.X, run.Start.Y, run.Start.Z,
		run.PeakPosition.X, run.PeakPosition.Y, run.PeakPosition.Z, run.PeakPressure,
		string(params), string(trajectory), run.DurationNs, nullString(run.Fault),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO peak_samples (
			run_id, iteration, seq, x, y, z, pressure, grad_x, grad_y, grad_z
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare samples: %w", err)
	}
	defer stmt.Close()

	for _, rec := range run.Samples {
		if _, err := stmt.Exec(run.RunID, rec.Iteration, int64(rec.Seq),
			rec.Position.X, rec.Position.Y, rec.Position.Z, rec.Pressure,
			rec.Gradient.X, rec.Gradient.Y, rec.Gradient.Z); err != nil {
			return fmt.Errorf("insert sample %d: %w", rec.Iteration, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logf("stored run %s (%s, %d iterations)", run.RunID, run.State, run.Iterations)
	return nil
}

const runColumns = `
	run_id, created_at_ns, version, state, converged, iterations,
	start_x, start_y, start_z, peak_x, peak_y, peak_z, peak_pressure,
	params_json, trajectory_json, duration_ns, fault`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r          Run
		params     string
		trajectory string
		fault      sql.NullString
	)
	err := row.Scan(
		&r.RunID, &r.CreatedAtNs, &r.Version, &r.State, &r.Converged, &r.Iterations,
		&r.Start.X, &r.Start.Y, &r.Start.Z,
		&r.PeakPosition.X, &r.PeakPosition.Y, &r.PeakPosition.Z, &r.PeakPressure,
		&params, &trajectory, &r.DurationNs, &fault,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return nil, fmt.Errorf("decode params of %s: %w", r.RunID, err)
	}
	if err := json.Unmarshal([]byte(trajectory), &r.Trajectory); err != nil {
		return nil, fmt.Errorf("decode trajectory of %s: %w", r.RunID, err)
	}
	r.Fault = fault.String
	return &r, nil
}

// Get returns the run with the given ID, samples included.
func (s *Store) Get(runID string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM peak_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT iteration, seq, x, y, z, pressure, grad_x, grad_y, grad_z
		FROM peak_samples WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec peak.Record
			seq int64
			g   gradient.Vector
		)
		if err := rows.Scan(&rec.Iteration, &seq,
			&rec.Position.X, &rec.Position.Y, &rec.Position.Z, &rec.Pressure,
			&g.X, &g.Y, &g.Z); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.Gradient = g
		r.Samples = append(r.Samples, rec)
	}
	return r, rows.Err()
}

// List returns the most recent runs, newest first, without samples.
func (s *Store) List(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM peak_runs ORDER BY created_at_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
