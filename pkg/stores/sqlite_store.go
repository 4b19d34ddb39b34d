// Package stores persists run history in SQLite. The history database is
// informational; provisioning correctness depends only on the checkpoint
// store and the transaction journal, so history write failures are surfaced
// to callers but never fail a run.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// HistoryStore records provisioning runs in a SQLite database.
type HistoryStore struct {
	db   *sql.DB
	path string
}

// NewHistoryStore creates a store backed by the database at path. The
// connection is not opened until Init.
func NewHistoryStore(path string) (*HistoryStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &HistoryStore{path: path}, nil
}

// Init opens the database, verifies the connection, and runs migrations.
func (s *HistoryStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping history database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *HistoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *HistoryStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateRun inserts a new run record when the run starts.
func (s *HistoryStore) CreateRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (id, dry_run, status, started_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.DryRun,
		run.Status,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create run record: %w", err)
	}
	return nil
}

// FinishRun updates a run record with its final outcome.
func (s *HistoryStore) FinishRun(ctx context.Context, run *RunRecord) error {
	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, duration_ms = ?, failed_module = ?, cause = ?
		WHERE id = ?
	`

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	result, err := s.db.ExecContext(ctx, query,
		run.Status, completedAt, run.DurationMS, run.FailedModule, run.Cause, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *HistoryStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, dry_run, status, started_at, completed_at, duration_ms, failed_module, cause, created_at
		FROM runs
		WHERE id = ?
	`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest first.
func (s *HistoryStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, dry_run, status, started_at, completed_at, duration_ms, failed_module, cause, created_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// LatestRun returns the most recently started run, or ErrNotFound when the
// history is empty.
func (s *HistoryStore) LatestRun(ctx context.Context) (*RunRecord, error) {
	runs, err := s.ListRuns(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return runs[0], nil
}

// SaveModuleResult records one module's terminal outcome.
func (s *HistoryStore) SaveModuleResult(ctx context.Context, rec *ModuleRecord) error {
	query := `
		INSERT INTO module_results (run_id, module_id, state, reason, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var startedAt, completedAt any
	if rec.StartedAt != nil {
		startedAt = rec.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.ModuleID, rec.State, rec.Reason, startedAt, completedAt, rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to save module result: %w", err)
	}
	return nil
}

// ModuleResultsByRun lists module outcomes for a run in insertion order.
func (s *HistoryStore) ModuleResultsByRun(ctx context.Context, runID string) ([]*ModuleRecord, error) {
	query := `
		SELECT run_id, module_id, state, reason, started_at, completed_at, duration_ms
		FROM module_results
		WHERE run_id = ?
		ORDER BY rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list module results: %w", err)
	}
	defer rows.Close()

	results := []*ModuleRecord{}
	for rows.Next() {
		rec := &ModuleRecord{}
		var reason sql.NullString
		var startedAt, completedAt sql.NullString
		err := rows.Scan(&rec.RunID, &rec.ModuleID, &rec.State, &reason, &startedAt, &completedAt, &rec.DurationMS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module result: %w", err)
		}
		rec.Reason = reason.String
		rec.StartedAt = parseNullTime(startedAt)
		rec.CompletedAt = parseNullTime(completedAt)
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating module results: %w", err)
	}
	return results, nil
}

// SaveRollbackReport records the rollback pass attached to a failed run.
func (s *HistoryStore) SaveRollbackReport(ctx context.Context, rec *RollbackRecord) error {
	query := `
		INSERT INTO rollback_reports (run_id, attempted, succeeded, failed, detail)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.Attempted, rec.Succeeded, rec.Failed, rec.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to save rollback report: %w", err)
	}
	return nil
}

// RollbackReportByRun retrieves the rollback report for a run, if any.
func (s *HistoryStore) RollbackReportByRun(ctx context.Context, runID string) (*RollbackRecord, error) {
	query := `
		SELECT run_id, attempted, succeeded, failed, detail
		FROM rollback_reports
		WHERE run_id = ?
	`

	rec := &RollbackRecord{}
	var detail sql.NullString
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&rec.RunID, &rec.Attempted, &rec.Succeeded, &rec.Failed, &detail,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rollback report for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rollback report: %w", err)
	}
	rec.Detail = detail.String
	return rec, nil
}

// AppendEvent persists one phase event.
func (s *HistoryStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO events (run_id, module, type, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID, event.Module, event.Type, event.Level, event.Message,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// EventsByRun lists persisted events for a run in chronological order.
func (s *HistoryStore) EventsByRun(ctx context.Context, runID string, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT id, run_id, module, type, level, message, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		var module sql.NullString
		var ts string
		err := rows.Scan(&event.ID, &event.RunID, &module, &event.Type, &event.Level, &event.Message, &ts)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Module = module.String
		if t, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			event.Timestamp = t
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// PruneRuns deletes the oldest runs beyond keep, cascading to their module
// results, rollback reports, and events. Returns the number of runs removed.
func (s *HistoryStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	query := `
		DELETE FROM runs
		WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *HistoryStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("history database not initialized")
	}
	return s.db.PingContext(ctx)
}

func scanRun(scan func(dest ...any) error) (*RunRecord, error) {
	run := &RunRecord{}
	var startedAt, createdAt string
	var completedAt, failedModule, cause sql.NullString
	err := scan(
		&run.ID, &run.DryRun, &run.Status, &startedAt, &completedAt,
		&run.DurationMS, &failedModule, &cause, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if t, perr := time.Parse(time.RFC3339Nano, startedAt); perr == nil {
		run.StartedAt = t
	}
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		run.CreatedAt = t
	}
	run.CompletedAt = parseNullTime(completedAt)
	run.FailedModule = failedModule.String
	run.Cause = cause.String
	return run, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
