package progress

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/clock/system"
	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// DefaultMinInterval is the minimum spacing between non-final progress events.
const DefaultMinInterval = 100 * time.Millisecond

type outcome int

const (
	outcomeSucceeded outcome = iota + 1
	outcomeFailed
	outcomeCancelled
)

// RunState is the mutable bookkeeping of one run. Succeeded+Failed never
// exceeds Total.
type RunState struct {
	RunID      uuid.UUID
	Total      int
	Succeeded  int
	Failed     int
	Cancelled  int
	Canceled   bool
	Finished   bool
	StartedAt  time.Time
	FailedJobs []string
}

// Current is the number of jobs with a final outcome.
func (s RunState) Current() int {
	return s.Succeeded + s.Failed
}

// AggregatorConfig tunes event throttling.
type AggregatorConfig struct {
	// MinInterval bounds how often non-final progress events are emitted.
	MinInterval time.Duration
	Clock       pipeline.Clock
	Logger      *zap.Logger
}

// Aggregator owns a RunState. Every mutation runs in one critical section and
// emits while holding it, so events leave in the order the counts changed.
type Aggregator struct {
	mu       sync.Mutex
	state    RunState
	outcomes map[string]outcome
	lastEmit time.Time
	done     *Terminal
	emitter  Emitter
	interval time.Duration
	clock    pipeline.Clock
	logger   *zap.Logger
}

// NewAggregator constructs an Aggregator for runID.
func NewAggregator(runID uuid.UUID, emitter Emitter, cfg AggregatorConfig) *Aggregator {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if runID == uuid.Nil {
		runID = uuid.Must(uuid.NewV7())
	}
	if emitter == nil {
		emitter = EmitterFunc(func(Event) {})
	}
	return &Aggregator{
		state:    RunState{RunID: runID},
		outcomes: make(map[string]outcome),
		emitter:  emitter,
		interval: cfg.MinInterval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Start records the job total and emits the run start event.
func (a *Aggregator) Start(total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	a.state.Total = max(total, 0)
	a.state.StartedAt = now
	a.lastEmit = now
	a.emit(StageRunStart, now, fmt.Sprintf("run started with %d jobs", a.state.Total), nil)
}

// Succeed records a successful job.
func (a *Aggregator) Succeed(jobID string) {
	a.record(jobID, outcomeSucceeded, "")
}

// Fail records a failed job and keeps its identifier for the terminal report.
func (a *Aggregator) Fail(jobID string, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	a.record(jobID, outcomeFailed, reason)
}

// Cancel records a job abandoned because the run was cancelled. It does not
// advance Current.
func (a *Aggregator) Cancel(jobID string) {
	a.record(jobID, outcomeCancelled, "")
}

func (a *Aggregator) record(jobID string, o outcome, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Finished {
		a.logger.Warn("job outcome after run finished", zap.String("job", jobID))
		return
	}
	if prev, seen := a.outcomes[jobID]; seen {
		a.logger.Warn("duplicate job outcome ignored", zap.String("job", jobID), zap.Int("previous", int(prev)))
		return
	}
	if o != outcomeCancelled && a.state.Current() >= a.state.Total {
		a.logger.Warn("job outcome beyond run total ignored", zap.String("job", jobID), zap.Int("total", a.state.Total))
		return
	}
	a.outcomes[jobID] = o

	var msg string
	switch o {
	case outcomeSucceeded:
		a.state.Succeeded++
		msg = "done " + jobID
	case outcomeFailed:
		a.state.Failed++
		a.state.FailedJobs = append(a.state.FailedJobs, jobID)
		msg = "failed " + jobID
		if reason != "" {
			msg += ": " + reason
		}
	case outcomeCancelled:
		a.state.Cancelled++
		a.state.Canceled = true
		return
	}

	now := a.clock.Now()
	final := a.state.Current() == a.state.Total
	if !final && now.Sub(a.lastEmit) < a.interval {
		return
	}
	a.lastEmit = now
	a.emit(StageProgress, now, msg, nil)
}

// Finish closes the run and emits its terminal status. Jobs that never reached
// an outcome count as cancelled when canceled is set. Later calls return the
// same summary without emitting again.
func (a *Aggregator) Finish(canceled bool) Terminal {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return *a.done
	}
	now := a.clock.Now()
	a.state.Finished = true
	a.state.Canceled = a.state.Canceled || canceled
	term := a.terminal(now)
	a.state.Cancelled = term.Cancelled
	a.done = &term
	a.emit(StageRunDone, now, fmt.Sprintf("run %s: %d succeeded, %d failed, %d cancelled",
		term.Status, term.Succeeded, term.Failed, term.Cancelled), &term)
	return term
}

// Snapshot returns a copy of the current state.
func (a *Aggregator) Snapshot() RunState {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state
	s.FailedJobs = append([]string(nil), a.state.FailedJobs...)
	return s
}

func (a *Aggregator) terminal(now time.Time) Terminal {
	s := a.state
	t := Terminal{
		Status:     StatusCompleted,
		Total:      s.Total,
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		Cancelled:  s.Cancelled,
		FailedJobs: append([]string(nil), s.FailedJobs...),
		StartedAt:  s.StartedAt,
		FinishedAt: now,
		Elapsed:    now.Sub(s.StartedAt),
	}
	sort.Strings(t.FailedJobs)
	if s.Canceled {
		t.Status = StatusCancelled
		t.Cancelled = max(s.Total-s.Current(), s.Cancelled)
	}
	return t
}

func (a *Aggregator) emit(stage Stage, now time.Time, msg string, term *Terminal) {
	a.emitter.Emit(Event{
		RunID:    UUIDToBytes(a.state.RunID),
		TS:       now,
		Stage:    stage,
		Current:  a.state.Current(),
		Total:    a.state.Total,
		Failed:   a.state.Failed,
		Message:  msg,
		Terminal: term,
	})
}
