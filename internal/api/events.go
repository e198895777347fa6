package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/progress"
)

const keepAliveInterval = 15 * time.Second

// Broadcaster is a progress.Sink that fans events out to stream subscribers.
// A slow subscriber loses its oldest buffered events, never the newest, so the
// terminal event always arrives.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan progress.Event]struct{}
	last   *progress.Event
	closed bool
	buffer int
}

// NewBroadcaster creates a Broadcaster with per-subscriber buffers of size buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{subs: make(map[chan progress.Event]struct{}), buffer: buffer}
}

// Consume implements progress.Sink.
func (b *Broadcaster) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		last := evt
		b.last = &last
		for ch := range b.subs {
			offer(ch, evt)
		}
	}
	return nil
}

func offer(ch chan progress.Event, evt progress.Event) {
	select {
	case ch <- evt:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- evt:
	default:
	}
}

// Close implements progress.Sink and ends every subscription.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	return nil
}

// Subscribe returns a channel that first replays the latest event, then
// receives new ones until Close or the returned cancel func is called.
func (b *Broadcaster) Subscribe() (<-chan progress.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan progress.Event, b.buffer)
	if b.last != nil {
		ch <- *b.last
	}
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

// StreamEvents serves progress as server-sent events. The stream ends after
// the terminal event.
func StreamEvents(b *Broadcaster, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b == nil {
			writeError(w, http.StatusServiceUnavailable, "no live run")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		events, cancel := b.Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case evt, open := <-events:
				if !open {
					return
				}
				if err := writeEvent(w, evt); err != nil {
					logger.Debug("event stream write failed", zap.Error(err))
					return
				}
				flusher.Flush()
				if evt.Stage == progress.StageRunDone {
					return
				}
			}
		}
	}
}

type eventDTO struct {
	RunID    string             `json:"run_id"`
	TS       time.Time          `json:"ts"`
	Stage    progress.Stage     `json:"stage"`
	Current  int                `json:"current"`
	Total    int                `json:"total"`
	Failed   int                `json:"failed"`
	Message  string             `json:"message,omitempty"`
	Terminal *progress.Terminal `json:"terminal,omitempty"`
}

func writeEvent(w http.ResponseWriter, evt progress.Event) error {
	data, err := json.Marshal(eventDTO{
		RunID:    evt.RunUUID().String(),
		TS:       evt.TS,
		Stage:    evt.Stage,
		Current:  evt.Current,
		Total:    evt.Total,
		Failed:   evt.Failed,
		Message:  evt.Message,
		Terminal: evt.Terminal,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	name := "progress"
	if evt.Stage == progress.StageRunDone {
		name = "done"
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
