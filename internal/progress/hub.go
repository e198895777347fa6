package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Hub defaults.
const (
	DefaultHubBuffer   = 1024
	DefaultBatchEvents = 256
	DefaultBatchWait   = 250 * time.Millisecond
	DefaultSinkTimeout = 5 * time.Second
)

// HubConfig tunes a Hub. Zero fields take the package defaults.
type HubConfig struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	// BaseContext parents every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

func (c HubConfig) withDefaults() HubConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultHubBuffer
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = DefaultBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = DefaultBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = DefaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub delivers progress events to its sinks in batches from one goroutine.
// A batch goes out when it reaches MaxBatchEvents or MaxBatchWait after its
// first event, whichever comes first.
//
// Progress events are dropped when the buffer is full. RUN_DONE events are
// not: Emit waits for room until the hub closes.
type Hub struct {
	cfg   HubConfig
	sinks []Sink
	log   *zap.Logger
	in    chan Event

	stopping chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	closing  atomic.Bool
	// closeCtx is written before stopping closes and read after.
	closeCtx context.Context

	dropped  atomic.Int64
	dropWarn rate.Sometimes
}

// NewHub starts a Hub over sinks. Nil sinks are skipped.
func NewHub(cfg HubConfig, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		log:      cfg.Logger,
		in:       make(chan Event, cfg.BufferSize),
		stopping: make(chan struct{}),
		stopped:  make(chan struct{}),
		dropWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.loop()
	return h
}

// Emit queues evt. Invalid events and events emitted after Close are ignored.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.log.Debug("invalid progress event ignored", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	if evt.Stage == StageRunDone {
		select {
		case h.in <- evt:
		case <-h.stopping:
			h.log.Warn("run completion event lost, hub already closed")
		}
		return
	}
	select {
	case h.in <- evt:
	default:
		h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.log.Warn("progress hub full, events dropped", zap.Int64("dropped", h.dropped.Swap(0)))
		})
	}
}

// Close stops intake, delivers what is buffered, closes every sink with ctx,
// and waits for the hub goroutine. It may be called more than once.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closeCtx = ctx
		h.closing.Store(true)
		close(h.stopping)
	})
	select {
	case <-h.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for progress hub: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.stopped)

	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	defer timer.Stop()

	send := func() {
		timer.Stop()
		h.deliver(pending)
		pending = pending[:0]
	}

	for {
		select {
		case evt := <-h.in:
			pending = append(pending, evt)
			switch {
			case len(pending) >= h.cfg.MaxBatchEvents:
				send()
			case len(pending) == 1:
				timer.Reset(h.cfg.MaxBatchWait)
			}
		case <-timer.C:
			send()
		case <-h.stopping:
		drain:
			for {
				select {
				case evt := <-h.in:
					pending = append(pending, evt)
					if len(pending) >= h.cfg.MaxBatchEvents {
						send()
					}
				default:
					break drain
				}
			}
			send()
			h.closeSinks()
			return
		}
	}
}

// deliver hands batch to each sink under its own timeout. Sinks receive a
// copy they may retain.
func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}
	out := append([]Event(nil), batch...)
	for _, s := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := s.Consume(ctx, out); err != nil {
			h.log.Warn("progress sink rejected batch", zap.Int("events", len(out)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	for _, s := range h.sinks {
		if err := s.Close(h.closeCtx); err != nil {
			h.log.Warn("closing progress sink", zap.Error(err))
		}
	}
}
