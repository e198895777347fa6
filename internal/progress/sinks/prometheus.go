package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/geotile-pipeline/internal/progress"
)

// PrometheusSink exports run progress as Prometheus metrics.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsActive   prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	jobsTotal   prometheus.Gauge
	jobsCurrent prometheus.Gauge
	jobsFailed  prometheus.Gauge
	jobOutcomes *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geotile_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geotile_runs_finished_total",
			Help: "Total runs finished partitioned by terminal status.",
		}, []string{"status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geotile_runs_active",
			Help: "Current number of running runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geotile_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"}),
		jobsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geotile_run_jobs",
			Help: "Jobs in the most recently reported run.",
		}),
		jobsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geotile_run_jobs_done",
			Help: "Jobs with a final outcome in the most recently reported run.",
		}),
		jobsFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geotile_run_jobs_failed",
			Help: "Failed jobs in the most recently reported run.",
		}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geotile_run_job_outcomes_total",
			Help: "Job outcomes of finished runs partitioned by outcome.",
		}, []string{"outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsActive,
		s.runDuration,
		s.jobsTotal,
		s.jobsCurrent,
		s.jobsFailed,
		s.jobOutcomes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.jobsTotal.Set(float64(evt.Total))
	s.jobsCurrent.Set(float64(evt.Current))
	s.jobsFailed.Set(float64(evt.Failed))

	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.StageRunDone:
		t := evt.Terminal
		status := string(t.Status)
		s.runsFinished.WithLabelValues(status).Inc()
		if t.Elapsed > 0 {
			s.runDuration.WithLabelValues(status).Observe(t.Elapsed.Seconds())
		}
		s.jobOutcomes.WithLabelValues("succeeded").Add(float64(t.Succeeded))
		s.jobOutcomes.WithLabelValues("failed").Add(float64(t.Failed))
		s.jobOutcomes.WithLabelValues("cancelled").Add(float64(t.Cancelled))
		if s.tracker.complete(evt.RunID) {
			s.runsActive.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
