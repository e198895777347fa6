package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/geotile-pipeline/internal/progress"
)

// DefaultChannelSize is the buffer used when NewChannelSink gets a size <= 0.
const DefaultChannelSize = 64

// ChannelSink forwards events to a bounded channel drained by a UI. When the
// reader falls behind, progress events are dropped (a later one supersedes
// them) but the terminal event waits for room or for ctx to expire.
type ChannelSink struct {
	mu      sync.Mutex
	ch      chan progress.Event
	closed  bool
	dropped int
}

// NewChannelSink constructs a ChannelSink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = DefaultChannelSize
	}
	return &ChannelSink{ch: make(chan progress.Event, size)}
}

// Events is the receive side. It is closed by Close.
func (s *ChannelSink) Events() <-chan progress.Event {
	return s.ch
}

// Dropped reports how many progress events were skipped.
func (s *ChannelSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Consume forwards the batch in order.
func (s *ChannelSink) Consume(ctx context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, evt := range batch {
		if evt.Stage == progress.StageRunDone {
			select {
			case s.ch <- evt:
			case <-ctx.Done():
				return fmt.Errorf("deliver terminal event: %w", ctx.Err())
			}
			continue
		}
		select {
		case s.ch <- evt:
		default:
			s.dropped++
		}
	}
	return nil
}

// Close closes the event channel.
func (s *ChannelSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
