package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/geotile-pipeline/internal/store"
)

// RunStore implements store.RunRepository on Postgres.
type RunStore struct {
	db DB
}

// NewRunStore wraps an open pool.
func NewRunStore(db DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{db: db}, nil
}

// Close closes the underlying pool.
func (s *RunStore) Close() {
	s.db.Close()
}

// UpsertRunStart inserts the run or resets it to running.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, total int, startedAt time.Time) error {
	const query = `
		INSERT INTO pipeline_runs (id, started_at, updated_at, status, total)
		VALUES ($1, $2, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at,
			status = EXCLUDED.status,
			total = EXCLUDED.total,
			current = 0, failed = 0, succeeded = 0, cancelled = 0,
			finished_at = NULL;
	`
	if _, err := s.db.Exec(ctx, query, runID, startedAt, store.RunRunning, total); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// UpdateRunProgress stores counters; the WHERE clause keeps them monotonic.
func (s *RunStore) UpdateRunProgress(ctx context.Context, runID uuid.UUID, current, failed int, at time.Time) error {
	const query = `
		UPDATE pipeline_runs
		SET current = $1, failed = $2, updated_at = $3
		WHERE id = $4 AND current <= $1;
	`
	if _, err := s.db.Exec(ctx, query, current, failed, at, runID); err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return nil
}

// CompleteRun records the terminal status and failed jobs in one transaction.
func (s *RunStore) CompleteRun(ctx context.Context, runID uuid.UUID, summary store.RunSummary) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete run: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	const update = `
		UPDATE pipeline_runs
		SET status = $1, finished_at = $2, updated_at = $2,
			succeeded = $3, failed = $4, cancelled = $5, current = $3 + $4
		WHERE id = $6;
	`
	tag, err := tx.Exec(ctx, update, summary.Status, summary.FinishedAt,
		summary.Succeeded, summary.Failed, summary.Cancelled, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if _, err = tx.Exec(ctx, `DELETE FROM pipeline_failed_jobs WHERE run_id = $1;`, runID); err != nil {
		return fmt.Errorf("clear failed jobs: %w", err)
	}
	for _, job := range summary.FailedJobs {
		if _, err = tx.Exec(ctx, `INSERT INTO pipeline_failed_jobs (run_id, job) VALUES ($1, $2);`, runID, job); err != nil {
			return fmt.Errorf("insert failed job %s: %w", job, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	const query = `
		SELECT id, started_at, updated_at, finished_at, status, total, current, failed, succeeded, cancelled
		FROM pipeline_runs
		WHERE id = $1;
	`
	var run store.Run
	err := s.db.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.UpdatedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Total,
		&run.Current,
		&run.Failed,
		&run.Succeeded,
		&run.Cancelled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListFailedJobs returns a run's failed job identifiers in order.
func (s *RunStore) ListFailedJobs(ctx context.Context, runID uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT job FROM pipeline_failed_jobs WHERE run_id = $1 ORDER BY job;`, runID)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []string
	for rows.Next() {
		var job string
		if err := rows.Scan(&job); err != nil {
			return nil, fmt.Errorf("scan failed job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed jobs: %w", err)
	}
	return jobs, nil
}
