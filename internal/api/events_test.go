package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geotile-pipeline/internal/progress"
)

func testEvent(runID uuid.UUID, stage progress.Stage, current int) progress.Event {
	evt := progress.Event{
		RunID:   progress.UUIDToBytes(runID),
		TS:      time.Unix(1_700_000_000, 0).UTC(),
		Stage:   stage,
		Current: current,
		Total:   3,
	}
	if stage == progress.StageRunDone {
		evt.Terminal = &progress.Terminal{Status: progress.StatusCompleted, Total: 3, Succeeded: current}
	}
	return evt
}

func TestBroadcasterReplaysLatestEvent(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(4)
	runID := uuid.New()
	require.NoError(t, b.Consume(context.Background(), []progress.Event{
		testEvent(runID, progress.StageRunStart, 0),
		testEvent(runID, progress.StageProgress, 1),
	}))

	events, cancel := b.Subscribe()
	defer cancel()
	require.Equal(t, 1, (<-events).Current)

	require.NoError(t, b.Consume(context.Background(), []progress.Event{testEvent(runID, progress.StageProgress, 2)}))
	require.Equal(t, 2, (<-events).Current)
}

func TestBroadcasterDropsOldestForSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(2)
	runID := uuid.New()
	events, cancel := b.Subscribe()
	defer cancel()

	batch := []progress.Event{
		testEvent(runID, progress.StageRunStart, 0),
		testEvent(runID, progress.StageProgress, 1),
		testEvent(runID, progress.StageProgress, 2),
		testEvent(runID, progress.StageRunDone, 3),
	}
	require.NoError(t, b.Consume(context.Background(), batch))

	require.Equal(t, 2, (<-events).Current)
	last := <-events
	require.Equal(t, progress.StageRunDone, last.Stage)
}

func TestBroadcasterCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(0)
	events, cancel := b.Subscribe()
	require.NoError(t, b.Close(context.Background()))
	_, open := <-events
	require.False(t, open)
	cancel()

	late, lateCancel := b.Subscribe()
	defer lateCancel()
	_, open = <-late
	require.False(t, open)
}

func TestStreamEventsServesUntilDone(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(8)
	runID := uuid.New()
	require.NoError(t, b.Consume(context.Background(), []progress.Event{testEvent(runID, progress.StageRunStart, 0)}))

	srv := httptest.NewServer(newTestServer(Options{Events: b}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/run/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var names []string
	var payloads []eventDTO
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			names = append(names, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			var dto eventDTO
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &dto))
			payloads = append(payloads, dto)
			if len(payloads) == 1 {
				require.NoError(t, b.Consume(context.Background(), []progress.Event{
					testEvent(runID, progress.StageProgress, 2),
					testEvent(runID, progress.StageRunDone, 3),
				}))
			}
		}
	}
	require.NoError(t, scanner.Err())

	require.Equal(t, []string{"progress", "progress", "done"}, names)
	require.Len(t, payloads, 3)
	require.Equal(t, runID.String(), payloads[0].RunID)
	require.Equal(t, progress.StageRunStart, payloads[0].Stage)
	require.NotNil(t, payloads[2].Terminal)
	require.Equal(t, 3, payloads[2].Terminal.Succeeded)
}
