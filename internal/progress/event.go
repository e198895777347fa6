package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the point in the run lifecycle an Event describes.
type Stage string

// Supported progress stages.
const (
	StageRunStart Stage = "RUN_START"
	StageProgress Stage = "RUN_PROGRESS"
	StageRunDone  Stage = "RUN_DONE"
)

// Status is the terminal outcome of a run.
type Status string

// Run statuses.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal summarizes a finished run.
type Terminal struct {
	Status    Status `json:"status"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
	// FailedJobs lists the tile keys or URLs of failed jobs, sorted.
	FailedJobs []string      `json:"failed_jobs,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Event is one coarse progress update for a run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the timestamp recorded by the aggregator.
	TS    time.Time
	Stage Stage
	// Current counts jobs that reached a final outcome (succeeded or failed).
	Current int
	Total   int
	Failed  int
	// Message is a short human-readable note, e.g. the last finished job.
	Message string
	// Terminal is set only on StageRunDone.
	Terminal *Terminal
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageProgress:
		if e.Terminal != nil {
			return fmt.Errorf("stage %s must not carry a terminal status", e.Stage)
		}
	case StageRunDone:
		if e.Terminal == nil {
			return errors.New("run done requires terminal status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Total < 0 || e.Failed < 0 || e.Failed > e.Current || e.Current > e.Total {
		return fmt.Errorf("inconsistent counts current=%d failed=%d total=%d", e.Current, e.Failed, e.Total)
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
