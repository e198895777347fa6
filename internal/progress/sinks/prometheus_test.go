package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geotile-pipeline/internal/progress"
)

func runEvents(runID [16]byte, now time.Time) []progress.Event {
	return []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Total: 4},
		{RunID: runID, TS: now.Add(time.Second), Stage: progress.StageProgress, Current: 2, Failed: 1, Total: 4},
		{RunID: runID, TS: now.Add(2 * time.Second), Stage: progress.StageProgress, Current: 3, Failed: 1, Total: 4},
		{
			RunID: runID, TS: now.Add(3 * time.Second), Stage: progress.StageRunDone, Current: 3, Failed: 1, Total: 4,
			Terminal: &progress.Terminal{
				Status:     progress.StatusCancelled,
				Total:      4,
				Succeeded:  2,
				Failed:     1,
				Cancelled:  1,
				FailedJobs: []string{"r0000_c0001"},
				StartedAt:  now,
				FinishedAt: now.Add(3 * time.Second),
				Elapsed:    3 * time.Second,
			},
		},
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	events := runEvents(runID, time.Now())

	require.NoError(t, sink.Consume(context.Background(), events[:2]))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsCurrent))

	require.NoError(t, sink.Consume(context.Background(), events[2:]))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("cancelled")))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.jobsCurrent))
	require.Equal(t, 4.0, testutil.ToFloat64(sink.jobsTotal))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobOutcomes.WithLabelValues("succeeded")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobOutcomes.WithLabelValues("cancelled")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "geotile_run_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
