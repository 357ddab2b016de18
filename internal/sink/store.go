package sink

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/evtrack/internal/monitoring"
	"github.com/banshee-data/evtrack/internal/tracker"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run describes one recording session.
type Run struct {
	ID        string     `json:"run_id"`
	Source    string     `json:"source"`
	Config    string     `json:"config_json,omitempty"`
	Stats     string     `json:"stats_json,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Estimates int        `json:"estimates"`
}

// Store is the SQLite estimate database.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens (creating if needed) the database at path and applies
// any pending migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &Store{db: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// MigrateUp applies all pending migrations.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Runs lists recording sessions, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.source, COALESCE(r.config_json, ''), COALESCE(r.stats_json, ''),
		       r.started_at, r.ended_at, COUNT(e.cycle)
		  FROM runs r
		  LEFT JOIN estimates e ON e.run_id = r.run_id
		 GROUP BY r.run_id
		 ORDER BY r.started_at DESC, r.run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var ended sql.NullTime
		if err := rows.Scan(&r.ID, &r.Source, &r.Config, &r.Stats, &r.StartedAt, &ended, &r.Estimates); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Estimates returns the estimates of one run in cycle order.
func (s *Store) Estimates(ctx context.Context, runID string) ([]tracker.TargetEstimate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle, sensor_time, channel, x, y, r, tw, std_x, std_y, std_r,
		       max_likelihood, confidence, detected, events
		  FROM estimates
		 WHERE run_id = ?
		 ORDER BY cycle`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tracker.TargetEstimate
	for rows.Next() {
		var e tracker.TargetEstimate
		var detected int
		if err := rows.Scan(&e.Cycle, &e.Timestamp, &e.Channel, &e.X, &e.Y, &e.R, &e.Tw,
			&e.StdX, &e.StdY, &e.StdR, &e.MaxLikelihood, &e.Confidence, &detected, &e.Events); err != nil {
			return nil, err
		}
		e.Detected = detected != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestRun returns the most recently started run ID.
func (s *Store) LatestRun(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no runs recorded in %s", s.path)
	}
	return id, err
}
