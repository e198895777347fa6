package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/progress"
	"github.com/JakeFAU/geotile-pipeline/internal/store"
)

const repoTimeout = 3 * time.Second

// Snapshotter exposes the live run's state; progress.Aggregator satisfies it.
type Snapshotter interface {
	Snapshot() progress.RunState
}

// RunHandler serves run status.
type RunHandler struct {
	repo    store.RunRepository
	live    Snapshotter
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler wires the repository, the live run and the logger. Either
// source may be nil.
func NewRunHandler(repo store.RunRepository, live Snapshotter, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{repo: repo, live: live, timeout: repoTimeout, logger: logger}
}

// CurrentRun handles GET /v1/run with {"run": {...}}, or 503 when no run is attached.
func (h *RunHandler) CurrentRun(w http.ResponseWriter, _ *http.Request) {
	if h.live == nil {
		writeError(w, http.StatusServiceUnavailable, "no live run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": fromState(h.live.Snapshot())})
}

// GetRun handles GET /v1/runs/{run_id}. It returns 400 for malformed IDs, 404
// when the repository reports store.ErrNotFound and 503 without a repository.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		h.repoError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": fromRun(run)})
}

// ListFailedJobs handles GET /v1/runs/{run_id}/failed with {"failed": [...]}.
func (h *RunHandler) ListFailedJobs(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.repo.GetRun(ctx, runID); err != nil {
		h.repoError(w, "get run", err)
		return
	}
	failed, err := h.repo.ListFailedJobs(ctx, runID)
	if err != nil {
		h.repoError(w, "list failed jobs", err)
		return
	}
	if failed == nil {
		failed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed": failed})
}

func (h *RunHandler) repoError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	h.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load run")
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return id, nil
}

type runDTO struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Total      int        `json:"total"`
	Current    int        `json:"current"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Cancelled  int        `json:"cancelled"`
	FailedJobs []string   `json:"failed_jobs,omitempty"`
}

func fromRun(run store.Run) runDTO {
	dto := runDTO{
		ID:         run.ID.String(),
		Status:     string(run.Status),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Total:      run.Total,
		Current:    run.Current,
		Succeeded:  run.Succeeded,
		Failed:     run.Failed,
		Cancelled:  run.Cancelled,
	}
	if !run.UpdatedAt.IsZero() {
		updated := run.UpdatedAt
		dto.UpdatedAt = &updated
	}
	return dto
}

func fromState(s progress.RunState) runDTO {
	status := progress.StatusRunning
	switch {
	case s.Finished && s.Canceled:
		status = progress.StatusCancelled
	case s.Finished:
		status = progress.StatusCompleted
	}
	return runDTO{
		ID:         s.RunID.String(),
		Status:     string(status),
		StartedAt:  s.StartedAt,
		Total:      s.Total,
		Current:    s.Current(),
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		Cancelled:  s.Cancelled,
		FailedJobs: s.FailedJobs,
	}
}
