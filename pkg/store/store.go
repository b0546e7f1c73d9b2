// Package store keeps the history of reconstruction jobs in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"freehand3d/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no job has the requested ID.
var ErrNotFound = errors.New("job not found")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Store records finished jobs. It satisfies job.Recorder.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logger}
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

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}
	return m, nil
}

// migrateUp applies every pending migration. The migrate instance is not
// closed since that would close the shared database handle.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version and whether the last
// migration left the schema dirty.
func (s *Store) Version() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf("migrate: "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// RecordJob inserts or replaces the record of a job.
func (s *Store) RecordJob(ctx context.Context, rec models.JobRecord) error {
	if rec.ID == "" {
		return errors.New("job record needs an ID")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reconstruction_jobs (
			job_id, mode, state, reason, output_path,
			frames_inserted, frames_skipped, dim_x, dim_y, dim_z,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Mode, rec.State, rec.Reason, rec.OutputPath,
		int64(rec.FramesInserted), int64(rec.FramesSkipped), rec.Dims[0], rec.Dims[1], rec.Dims[2],
		rec.StartedAt.UnixNano(), rec.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", rec.ID, err)
	}
	return nil
}

const selectJobs = `
	SELECT job_id, mode, state, reason, output_path,
	       frames_inserted, frames_skipped, dim_x, dim_y, dim_z,
	       started_at, finished_at
	FROM reconstruction_jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (models.JobRecord, error) {
	var (
		rec               models.JobRecord
		inserted, skipped int64
		started, finished int64
	)
	err := row.Scan(
		&rec.ID, &rec.Mode, &rec.State, &rec.Reason, &rec.OutputPath,
		&inserted, &skipped, &rec.Dims[0], &rec.Dims[1], &rec.Dims[2],
		&started, &finished,
	)
	if err != nil {
		return models.JobRecord{}, err
	}
	rec.FramesInserted = uint64(inserted)
	rec.FramesSkipped = uint64(skipped)
	rec.StartedAt = time.Unix(0, started)
	rec.FinishedAt = time.Unix(0, finished)
	return rec, nil
}

// GetJob returns the record of one job.
func (s *Store) GetJob(ctx context.Context, id string) (models.JobRecord, error) {
	rec, err := scanJob(s.db.QueryRowContext(ctx, selectJobs+` WHERE job_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.JobRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	return rec, nil
}

// ListJobs returns up to limit jobs, most recently started first. A
// non-positive limit returns every job.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]models.JobRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectJobs+` ORDER BY started_at DESC, job_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
