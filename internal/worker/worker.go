// Package worker runs fetch jobs on a bounded pool of goroutines sharing one
// queue, and reports every job outcome to the run's progress aggregator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/geotile-pipeline/internal/classify"
	"github.com/JakeFAU/geotile-pipeline/internal/metrics"
	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
	"github.com/JakeFAU/geotile-pipeline/internal/processing"
	"github.com/JakeFAU/geotile-pipeline/internal/progress"
	"github.com/JakeFAU/geotile-pipeline/internal/queue"
	"github.com/JakeFAU/geotile-pipeline/internal/telemetry"
)

// Pool defaults.
const (
	DefaultConcurrency   = 4
	DefaultMaxRequeues   = 1
	DefaultShutdownGrace = 5 * time.Second
)

// Job-level errors.
var (
	ErrNoScenes        = errors.New("no scenes cover tile")
	ErrBlockedByPolicy = errors.New("blocked by host policy")
	ErrPoolReused      = errors.New("worker pool already ran")
	ErrJobPanicked     = errors.New("job panicked")
)

// Config controls Pool behavior.
type Config struct {
	Concurrency int
	// MaxRequeues bounds how often a job exhausted by transient failures goes
	// back to the queue tail. Negative disables requeueing.
	MaxRequeues int
	// ShutdownGrace bounds in-flight writes after the run is cancelled.
	ShutdownGrace time.Duration
	RunID         string
	// RunKey scopes checkpoint entries; usually the AOI fingerprint.
	RunKey string
	// Topic receives one notification per delivered tile or page result.
	Topic string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRequeues == 0 {
		c.MaxRequeues = DefaultMaxRequeues
	}
	if c.MaxRequeues < 0 {
		c.MaxRequeues = 0
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// Fetcher runs a job through the strategy chain.
type Fetcher interface {
	Fetch(ctx context.Context, job *pipeline.FetchJob) pipeline.FetchResult
}

// TileProcessor decodes scenes and turns them into a processed tile.
type TileProcessor interface {
	Decode(ref pipeline.SceneRef, payload []byte) (processing.Scene, error)
	Process(req pipeline.TileRequest, scenes []processing.Scene) (pipeline.ProcessedTile, error)
}

// PageClassifier labels an extracted dataset page.
type PageClassifier interface {
	Classify(doc classify.Document) (pipeline.ClassificationResult, bool)
}

// Progress receives job outcomes. Identifiers are tile keys or page URLs.
type Progress interface {
	Start(total int)
	Succeed(id string)
	Fail(id string, err error)
	Cancel(id string)
	Finish(canceled bool) progress.Terminal
}

// Policy gates page fetches by host.
type Policy interface {
	AllowFetch(rawURL string) bool
}

// Deps are the pool's collaborators. Queue, Fetcher and Progress are required;
// Processor and Classifier are required when the run holds jobs of their kind.
type Deps struct {
	Queue      queue.Queue
	Fetcher    Fetcher
	Progress   Progress
	Processor  TileProcessor
	Classifier PageClassifier
	Writer     pipeline.TileWriter
	Results    pipeline.ResultSink
	Publisher  pipeline.Publisher
	Checkpoint pipeline.Checkpoint
	Policy     Policy
}

// Pool executes one run. Create a new Pool per run.
type Pool struct {
	deps    Deps
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	started atomic.Bool
	// pending counts jobs without a final outcome; requeued jobs stay pending.
	pending atomic.Int64
	wake    signal
}

// New validates deps and constructs a Pool.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Pool, error) {
	switch {
	case deps.Queue == nil:
		return nil, pipeline.InvalidConfigf("worker pool requires a queue")
	case deps.Fetcher == nil:
		return nil, pipeline.InvalidConfigf("worker pool requires a fetcher")
	case deps.Progress == nil:
		return nil, pipeline.InvalidConfigf("worker pool requires a progress aggregator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger,
		tracer: telemetry.Tracer("worker"),
		wake:   signal{ch: make(chan struct{})},
	}, nil
}

// Run executes jobs until all have a final outcome or ctx is cancelled, then
// returns the terminal status. Only configuration problems return an error;
// per-job failures are counted in the terminal status.
func (p *Pool) Run(ctx context.Context, jobs []*pipeline.FetchJob) (progress.Terminal, error) {
	if !p.started.CompareAndSwap(false, true) {
		return progress.Terminal{}, ErrPoolReused
	}
	if err := p.check(jobs); err != nil {
		return progress.Terminal{}, err
	}
	todo := p.skipCompleted(ctx, jobs)

	p.pending.Store(int64(len(todo)))
	p.deps.Progress.Start(len(todo))
	p.deps.Queue.Push(todo...)
	p.logger.Info("run started",
		zap.String("run_id", p.cfg.RunID),
		zap.Int("jobs", len(todo)),
		zap.Int("skipped", len(jobs)-len(todo)),
		zap.Int("workers", p.cfg.Concurrency),
	)

	// A worker returns the panics it contained; those jobs are already failed.
	var g errgroup.Group
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error { return p.work(ctx, i) })
	}
	if err := g.Wait(); err != nil {
		p.logger.Error("worker recovered from job panic", zap.String("run_id", p.cfg.RunID), zap.Error(err))
	}

	canceled := p.pending.Load() > 0
	if canceled {
		left := p.deps.Queue.Drain()
		for _, job := range left {
			p.deps.Progress.Cancel(job.Identifier())
		}
		p.logger.Warn("run cancelled", zap.String("run_id", p.cfg.RunID), zap.Int("never_started", len(left)))
	}
	term := p.deps.Progress.Finish(canceled)
	p.logger.Info("run finished",
		zap.String("run_id", p.cfg.RunID),
		zap.String("status", string(term.Status)),
		zap.Int("succeeded", term.Succeeded),
		zap.Int("failed", term.Failed),
		zap.Int("cancelled", term.Cancelled),
	)
	return term, nil
}

func (p *Pool) check(jobs []*pipeline.FetchJob) error {
	for _, job := range jobs {
		switch {
		case job == nil:
			return pipeline.InvalidConfigf("nil job")
		case job.Kind == pipeline.JobKindTile && job.Target.Tile == nil:
			return pipeline.InvalidConfigf("tile job %s has no tile", job.ID)
		case job.Kind == pipeline.JobKindTile && p.deps.Processor == nil:
			return pipeline.InvalidConfigf("tile jobs need a processor")
		case job.Kind == pipeline.JobKindPage && job.Target.URL == "":
			return pipeline.InvalidConfigf("page job %s has no url", job.ID)
		case job.Kind == pipeline.JobKindPage && p.deps.Classifier == nil:
			return pipeline.InvalidConfigf("page jobs need a classifier")
		case job.Kind != pipeline.JobKindTile && job.Kind != pipeline.JobKindPage:
			return pipeline.InvalidConfigf("job %s has unknown kind %q", job.ID, job.Kind)
		}
	}
	return nil
}

// skipCompleted drops tile jobs a previous run of the same RunKey finished.
// A checkpoint read failure only disables skipping.
func (p *Pool) skipCompleted(ctx context.Context, jobs []*pipeline.FetchJob) []*pipeline.FetchJob {
	if p.deps.Checkpoint == nil || p.cfg.RunKey == "" {
		return jobs
	}
	done, err := p.deps.Checkpoint.Completed(ctx, p.cfg.RunKey)
	if err != nil {
		p.logger.Warn("checkpoint unavailable, processing every tile", zap.Error(err))
		return jobs
	}
	if len(done) == 0 {
		return jobs
	}
	out := make([]*pipeline.FetchJob, 0, len(jobs))
	for _, job := range jobs {
		if job.Kind == pipeline.JobKindTile && done[job.Target.Tile.Key] {
			continue
		}
		out = append(out, job)
	}
	return out
}

func (p *Pool) work(ctx context.Context, id int) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	log := p.logger.With(zap.Int("worker", id))
	var panics []error
	for {
		job, ok := p.next(ctx)
		if !ok {
			return errors.Join(panics...)
		}
		if err := p.handle(ctx, job, log); err != nil {
			panics = append(panics, err)
		}
	}
}

// next pops the next job. When the queue is empty but jobs are still in
// flight it waits, since an in-flight job may be requeued.
func (p *Pool) next(ctx context.Context) (*pipeline.FetchJob, bool) {
	for {
		wake := p.wake.wait()
		if ctx.Err() != nil {
			return nil, false
		}
		if job, ok := p.deps.Queue.Pop(); ok {
			return job, true
		}
		if p.pending.Load() == 0 {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-wake:
		}
	}
}

// handle records the job's outcome. It returns an error only when the job
// panicked.
func (p *Pool) handle(ctx context.Context, job *pipeline.FetchJob, log *zap.Logger) error {
	id := job.Identifier()
	kind := string(job.Kind)
	ctx, span := p.tracer.Start(ctx, "worker.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", kind),
		attribute.String("job.target", id),
		attribute.Int("job.requeues", job.Requeues),
	))
	defer span.End()

	err := p.contain(ctx, job)
	switch {
	case err == nil:
		p.deps.Progress.Succeed(id)
		metrics.ObserveJob(kind, "succeeded")
		p.settle()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		p.deps.Progress.Cancel(id)
		metrics.ObserveJob(kind, "cancelled")
		span.SetStatus(codes.Error, "cancelled")
		log.Info("job abandoned", zap.String("job", id))
	case p.requeueable(job, err):
		p.deps.Queue.Requeue(job)
		metrics.ObserveRequeue(kind)
		log.Info("job requeued", zap.String("job", id), zap.Int("requeues", job.Requeues), zap.Error(err))
		p.wake.broadcast()
	default:
		p.deps.Progress.Fail(id, err)
		metrics.ObserveJob(kind, "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("job failed", zap.String("job", id), zap.Error(err))
		p.settle()
	}
	if errors.Is(err, ErrJobPanicked) {
		return err
	}
	return nil
}

// contain runs the job and turns a panic into an ErrJobPanicked failure.
func (p *Pool) contain(ctx context.Context, job *pipeline.FetchJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrJobPanicked, job.Identifier(), r)
		}
	}()
	return p.execute(ctx, job)
}

func (p *Pool) settle() {
	p.pending.Add(-1)
	p.wake.broadcast()
}

func (p *Pool) requeueable(job *pipeline.FetchJob, err error) bool {
	var ff *fetchFailure
	if !errors.As(err, &ff) {
		return false
	}
	return ff.result.Exhausted && ff.result.Retryable && job.Requeues < p.cfg.MaxRequeues
}

func (p *Pool) execute(ctx context.Context, job *pipeline.FetchJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.Kind == pipeline.JobKindTile {
		return p.runTile(ctx, job)
	}
	return p.runPage(ctx, job)
}

func (p *Pool) runTile(ctx context.Context, job *pipeline.FetchJob) error {
	req := *job.Target.Tile
	if len(job.Scenes) == 0 {
		return fmt.Errorf("tile %s: %w", req.Key, ErrNoScenes)
	}
	job.Attempt = 0
	scenes := make([]processing.Scene, 0, len(job.Scenes))
	for _, ref := range job.Scenes {
		sub := sceneJob(job, ref)
		res := p.deps.Fetcher.Fetch(ctx, sub)
		job.Attempt = max(job.Attempt, sub.Attempt)
		if !res.OK {
			return &fetchFailure{result: res}
		}
		scene, err := p.deps.Processor.Decode(ref, res.Payload)
		if err != nil {
			return fmt.Errorf("tile %s: %w", req.Key, err)
		}
		scenes = append(scenes, scene)
	}
	tile, err := p.deps.Processor.Process(req, scenes)
	if err != nil {
		return err
	}
	return p.deliverTile(ctx, tile)
}

func (p *Pool) deliverTile(ctx context.Context, tile pipeline.ProcessedTile) error {
	ctx, cancel := p.persistContext(ctx)
	defer cancel()

	var uri string
	if p.deps.Writer != nil {
		var err error
		uri, err = p.deps.Writer.WriteTile(ctx, p.cfg.RunID, tile)
		if err != nil {
			return fmt.Errorf("write tile %s: %w", tile.Key, err)
		}
	}
	if p.deps.Publisher != nil && p.cfg.Topic != "" {
		payload := map[string]any{
			"run_id":       p.cfg.RunID,
			"kind":         pipeline.JobKindTile,
			"tile":         tile.Key.String(),
			"uri":          uri,
			"sensor":       tile.Sensor,
			"all_invalid":  tile.AllInvalid,
			"valid_pixels": tile.ValidCount(),
			"sources":      tile.Sources,
		}
		if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
			return fmt.Errorf("publish tile %s: %w", tile.Key, err)
		}
	}
	if p.deps.Checkpoint != nil && p.cfg.RunKey != "" {
		if err := p.deps.Checkpoint.MarkCompleted(ctx, p.cfg.RunKey, tile.Key); err != nil {
			p.logger.Warn("checkpoint mark failed", zap.String("tile", tile.Key.String()), zap.Error(err))
		}
	}
	p.logger.Debug("tile delivered",
		zap.String("tile", tile.Key.String()),
		zap.String("uri", uri),
		zap.Bool("all_invalid", tile.AllInvalid),
	)
	return nil
}

func (p *Pool) runPage(ctx context.Context, job *pipeline.FetchJob) error {
	url := job.Target.URL
	if p.deps.Policy != nil && !p.deps.Policy.AllowFetch(url) {
		return fmt.Errorf("%s: %w", url, ErrBlockedByPolicy)
	}
	res := p.deps.Fetcher.Fetch(ctx, job)
	if !res.OK {
		return &fetchFailure{result: res}
	}
	final := res.URL
	if final == "" {
		final = url
	}
	doc, err := classify.ExtractDocument(final, res.Payload)
	if err != nil {
		return fmt.Errorf("extract %s: %w", final, err)
	}
	result, ok := p.deps.Classifier.Classify(doc)
	if !ok {
		p.logger.Debug("page produced no votes", zap.String("url", final))
		return nil
	}
	result.RequestedURL = url

	ctx, cancel := p.persistContext(ctx)
	defer cancel()
	if p.deps.Results != nil {
		if err := p.deps.Results.Record(ctx, result); err != nil {
			return fmt.Errorf("record result for %s: %w", final, err)
		}
	}
	if p.deps.Publisher != nil && p.cfg.Topic != "" {
		payload := map[string]any{
			"run_id": p.cfg.RunID,
			"kind":   pipeline.JobKindPage,
			"result": result,
		}
		if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
			return fmt.Errorf("publish result for %s: %w", final, err)
		}
	}
	return nil
}

// persistContext detaches writes from run cancellation; once the run is
// cancelled they get ShutdownGrace to finish.
func (p *Pool) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var timer atomic.Pointer[time.Timer]
	stop := context.AfterFunc(ctx, func() {
		timer.Store(time.AfterFunc(p.cfg.ShutdownGrace, cancel))
	})
	return detached, func() {
		stop()
		if t := timer.Load(); t != nil {
			t.Stop()
		}
		cancel()
	}
}

// fetchFailure carries an unsuccessful chain result.
type fetchFailure struct {
	result pipeline.FetchResult
}

func (f *fetchFailure) Error() string {
	if f.result.Err == nil {
		return "fetch failed"
	}
	return f.result.Err.Error()
}

func (f *fetchFailure) Unwrap() error { return f.result.Err }

// signal is a broadcast wakeup: wait returns a channel closed by the next broadcast.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}
