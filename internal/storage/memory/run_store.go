package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/geotile-pipeline/internal/store"
)

// RunStore is an in-memory store.RunRepository.
type RunStore struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]store.Run
	failed map[uuid.UUID][]string
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:   make(map[uuid.UUID]store.Run),
		failed: make(map[uuid.UUID][]string),
	}
}

// UpsertRunStart inserts the run or resets it to running.
func (s *RunStore) UpsertRunStart(_ context.Context, runID uuid.UUID, total int, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = store.Run{
		ID:        runID,
		StartedAt: startedAt,
		UpdatedAt: startedAt,
		Status:    store.RunRunning,
		Total:     total,
	}
	delete(s.failed, runID)
	return nil
}

// UpdateRunProgress stores counters, ignoring updates that would move them back.
func (s *RunStore) UpdateRunProgress(_ context.Context, runID uuid.UUID, current, failed int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if current < run.Current {
		return nil
	}
	run.Current, run.Failed, run.UpdatedAt = current, failed, at
	s.runs[runID] = run
	return nil
}

// CompleteRun records the terminal summary.
func (s *RunStore) CompleteRun(_ context.Context, runID uuid.UUID, summary store.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	finished := summary.FinishedAt
	run.Status = summary.Status
	run.FinishedAt = &finished
	run.UpdatedAt = finished
	run.Succeeded = summary.Succeeded
	run.Failed = summary.Failed
	run.Cancelled = summary.Cancelled
	run.Current = summary.Succeeded + summary.Failed
	s.runs[runID] = run
	s.failed[runID] = append([]string(nil), summary.FailedJobs...)
	return nil
}

// GetRun loads one run.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListFailedJobs returns the failed job identifiers of a finished run.
func (s *RunStore) ListFailedJobs(_ context.Context, runID uuid.UUID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, store.ErrNotFound
	}
	return append([]string(nil), s.failed[runID]...), nil
}
