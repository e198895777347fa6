package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/api"
	"github.com/JakeFAU/geotile-pipeline/internal/app"
	"github.com/JakeFAU/geotile-pipeline/internal/progress"
	"github.com/JakeFAU/geotile-pipeline/internal/progress/sinks"
)

const shutdownTimeout = 10 * time.Second

// The Prometheus collectors live in the default registry, which allows one
// registration per process.
var promSink = sync.OnceValues(func() (*sinks.PrometheusSink, error) {
	return sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
})

// runOptions are the per-invocation flags shared by tiles and classify.
type runOptions struct {
	serve    bool
	progress bool
}

// session wires one run's progress plumbing: the aggregator, the hub with its
// sinks and, optionally, a live status server and a console progress line.
type session struct {
	id     uuid.UUID
	agg    *progress.Aggregator
	hub    *progress.Hub
	server *http.Server
	logger *zap.Logger

	consoleDone chan struct{}
}

func startSession(ctx context.Context, a *app.App, opts runOptions, out io.Writer) (*session, error) {
	id, err := a.IDs.NewRawID()
	if err != nil {
		return nil, fmt.Errorf("new run id: %w", err)
	}
	logger := a.Logger.With(zap.String("run_id", id.String()))
	cfg := a.Config

	sinkList := []progress.Sink{
		sinks.NewLogSink(logger.Named("progress")),
		sinks.NewStoreSink(a.Runs, logger.Named("runs")),
	}
	if prom, err := promSink(); err != nil {
		logger.Warn("prometheus progress sink unavailable", zap.Error(err))
	} else {
		sinkList = append(sinkList, prom)
	}

	s := &session{id: id, logger: logger}
	var console *sinks.ChannelSink
	if opts.progress {
		console = sinks.NewChannelSink(0)
		sinkList = append(sinkList, console)
	}
	var events *api.Broadcaster
	if opts.serve {
		events = api.NewBroadcaster(0)
		sinkList = append(sinkList, events)
	}

	s.hub = progress.NewHub(progress.HubConfig{
		BufferSize:  cfg.Progress.Buffer,
		BaseContext: context.WithoutCancel(ctx),
		Logger:      logger.Named("hub"),
	}, sinkList...)
	s.agg = progress.NewAggregator(id, s.hub, progress.AggregatorConfig{
		MinInterval: cfg.Progress.MinInterval,
		Logger:      logger.Named("aggregator"),
	})

	if console != nil {
		s.consoleDone = make(chan struct{})
		go renderConsole(out, console.Events(), s.consoleDone)
	}
	if opts.serve {
		srv := api.NewServer(api.Options{
			Runs:   a.Runs,
			Live:   s.agg,
			Events: events,
			APIKey: cfg.Server.APIKey,
			Logger: logger.Named("api"),
		})
		s.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server started", zap.Int("port", cfg.Server.Port))
			if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server error", zap.Error(err))
			}
		}()
	}
	return s, nil
}

// close flushes the hub so every sink sees the terminal event, then stops the
// status server.
func (s *session) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.hub.Close(ctx); err != nil {
		s.logger.Warn("progress hub close failed", zap.Error(err))
	}
	if s.consoleDone != nil {
		<-s.consoleDone
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Warn("status server shutdown failed", zap.Error(err))
		}
	}
}

func renderConsole(out io.Writer, events <-chan progress.Event, done chan<- struct{}) {
	defer close(done)
	for evt := range events {
		if evt.Stage == progress.StageRunDone {
			fmt.Fprintf(out, "\r%d/%d done, %d failed\n", evt.Current, evt.Total, evt.Failed)
			continue
		}
		fmt.Fprintf(out, "\r%d/%d done, %d failed", evt.Current, evt.Total, evt.Failed)
	}
}
