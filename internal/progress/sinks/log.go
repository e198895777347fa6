package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/progress"
)

// LogSink writes one console-style line per event, the diagnostic stream the
// UI shows next to the progress bar.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Int("current", evt.Current),
			zap.Int("total", evt.Total),
			zap.Int("failed", evt.Failed),
		}
		if t := evt.Terminal; t != nil {
			fields = append(fields,
				zap.String("status", string(t.Status)),
				zap.Int("succeeded", t.Succeeded),
				zap.Int("cancelled", t.Cancelled),
				zap.Strings("failed_jobs", t.FailedJobs),
				zap.Duration("elapsed", t.Elapsed),
			)
		}
		s.logger.Info(evt.Message, fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
