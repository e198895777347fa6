package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/progress"
	"github.com/JakeFAU/geotile-pipeline/internal/store"
)

// StoreSink persists run progress via a store.RunRepository. Progress events
// are collapsed to the latest one per run before writing.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type latest struct {
	current, failed int
	at              time.Time
}

// Consume applies the batch in order and returns repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]latest)
	var order []uuid.UUID

	flush := func(runID uuid.UUID) error {
		p, ok := pending[runID]
		if !ok {
			return nil
		}
		delete(pending, runID)
		if err := s.repo.UpdateRunProgress(ctx, runID, p.current, p.failed, p.at); err != nil {
			return fmt.Errorf("update run progress: %w", err)
		}
		return nil
	}

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.Total, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageProgress:
			if _, ok := pending[runID]; !ok {
				order = append(order, runID)
			}
			pending[runID] = latest{current: evt.Current, failed: evt.Failed, at: evt.TS}
		case progress.StageRunDone:
			if err := flush(runID); err != nil {
				return err
			}
			if err := s.repo.CompleteRun(ctx, runID, summaryOf(evt)); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
		}
	}
	for _, runID := range order {
		if err := flush(runID); err != nil {
			return err
		}
	}
	return nil
}

func summaryOf(evt progress.Event) store.RunSummary {
	t := evt.Terminal
	status := store.RunCompleted
	if t.Status == progress.StatusCancelled {
		status = store.RunCancelled
	}
	return store.RunSummary{
		Status:     status,
		Succeeded:  t.Succeeded,
		Failed:     t.Failed,
		Cancelled:  t.Cancelled,
		FailedJobs: t.FailedJobs,
		FinishedAt: t.FinishedAt,
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
