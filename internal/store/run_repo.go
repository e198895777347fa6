package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the pipeline_runs status column.
type RunStatus string

// Run statuses persisted in pipeline_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)

// Run models one pipeline_runs row.
type Run struct {
	ID         uuid.UUID
	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	Total      int
	Current    int
	Failed     int
	// Succeeded and Cancelled are only meaningful once the run finished.
	Succeeded int
	Cancelled int
}

// RunSummary is the final accounting written when a run ends.
type RunSummary struct {
	Status     RunStatus
	Succeeded  int
	Failed     int
	Cancelled  int
	FailedJobs []string
	FinishedAt time.Time
}

// RunRepository persists run progress.
type RunRepository interface {
	// UpsertRunStart inserts the run or resets it to running.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, total int, startedAt time.Time) error
	// UpdateRunProgress stores the latest counters. Counters never move backwards.
	UpdateRunProgress(ctx context.Context, runID uuid.UUID, current, failed int, at time.Time) error
	// CompleteRun records the terminal status and the failed job identifiers.
	CompleteRun(ctx context.Context, runID uuid.UUID, summary RunSummary) error

	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListFailedJobs returns the identifiers of a run's failed jobs.
	ListFailedJobs(ctx context.Context, runID uuid.UUID) ([]string, error)
}
