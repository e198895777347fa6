// Package fetch runs fetch jobs through an ordered chain of strategies, from the
// cheapest to the most expensive, until one of them succeeds.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/metrics"
	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// Strategy names understood by Select.
const (
	StrategyHTTP    = "http"
	StrategyAntiBot = "antibot"
	StrategyBrowser = "browser"
)

// DefaultOrder is the chain used when no override is configured.
var DefaultOrder = []string{StrategyHTTP, StrategyAntiBot, StrategyBrowser}

// Strategy is one way of retrieving a job's target.
type Strategy interface {
	Name() string
	Supports(kind pipeline.JobKind) bool
	Attempt(ctx context.Context, job *pipeline.FetchJob) (pipeline.FetchResult, error)
}

// Select resolves configured names against the available strategies, preserving order.
func Select(names []string, available map[string]Strategy) ([]Strategy, error) {
	if len(names) == 0 {
		names = DefaultOrder
	}
	seen := make(map[string]bool, len(names))
	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		s, ok := available[name]
		if !ok || s == nil {
			return nil, pipeline.InvalidConfigf("unknown fetch strategy %q", name)
		}
		if seen[name] {
			return nil, pipeline.InvalidConfigf("fetch strategy %q listed twice", name)
		}
		seen[name] = true
		out = append(out, s)
	}
	return out, nil
}

// Chain tries strategies in order, retrying transient failures on the same
// strategy and escalating on anything else.
type Chain struct {
	strategies []Strategy
	policy     RetryPolicy
	logger     *zap.Logger
	sleep      func(context.Context, time.Duration) error
}

// NewChain builds a Chain. The strategy slice is copied.
func NewChain(strategies []Strategy, policy RetryPolicy, logger *zap.Logger) (*Chain, error) {
	if len(strategies) == 0 {
		return nil, pipeline.InvalidConfigf("fetch chain needs at least one strategy")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		strategies: append([]Strategy(nil), strategies...),
		policy:     policy,
		logger:     logger,
		sleep:      sleep,
	}, nil
}

// Names returns the configured strategy names in order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name())
	}
	return names
}

// MaxAttempts is the upper bound on Attempt calls for a job of the given kind.
func (c *Chain) MaxAttempts(kind pipeline.JobKind) int {
	return len(c.eligible(kind)) * c.policy.attempts()
}

func (c *Chain) eligible(kind pipeline.JobKind) []Strategy {
	out := make([]Strategy, 0, len(c.strategies))
	for _, s := range c.strategies {
		if s.Supports(kind) {
			out = append(out, s)
		}
	}
	return out
}

// Fetch runs job through the chain. It never returns a Go error: failures are
// reported on the result. A cancelled context yields a result whose Err wraps
// the context error and whose Exhausted flag is false.
func (c *Chain) Fetch(ctx context.Context, job *pipeline.FetchJob) pipeline.FetchResult {
	start := time.Now()
	strategies := c.eligible(job.Kind)
	job.Attempt = 0
	job.Remaining = job.Remaining[:0]
	for _, s := range strategies {
		job.Remaining = append(job.Remaining, s.Name())
	}

	log := c.logger.With(zap.String("job", job.Identifier()), zap.String("kind", string(job.Kind)))
	var (
		lastErr       error
		attempts      int
		onlyTransient = true
	)
	for _, strategy := range strategies {
		if err := ctx.Err(); err != nil {
			return cancelled(err, attempts, start)
		}
		job.Attempt++
		job.Remaining = job.Remaining[1:]

		for try := 0; ; try++ {
			if try > 0 {
				if err := c.sleep(ctx, c.policy.Backoff(try-1)); err != nil {
					return cancelled(err, attempts, start)
				}
			}
			if err := ctx.Err(); err != nil {
				return cancelled(err, attempts, start)
			}
			res, err := strategy.Attempt(ctx, job)
			attempts++
			if err == nil {
				metrics.ObserveFetchAttempt(strategy.Name(), string(job.Kind), "success")
				res.OK = true
				res.Strategy = strategy.Name()
				res.Attempts = attempts
				res.Duration = time.Since(start)
				metrics.ObserveFetchSuccess(strategy.Name(), res.URL, len(res.Payload), res.Duration)
				return res
			}
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				metrics.ObserveFetchAttempt(strategy.Name(), string(job.Kind), "cancelled")
				return cancelled(err, attempts, start)
			}
			lastErr = err
			outcome := outcomeOf(err)
			metrics.ObserveFetchAttempt(strategy.Name(), string(job.Kind), outcome)
			log.Debug("fetch attempt failed",
				zap.String("strategy", strategy.Name()),
				zap.Int("try", try+1),
				zap.String("outcome", outcome),
				zap.Error(err),
			)
			if outcome != "transient" {
				onlyTransient = false
			}
			if !c.policy.ShouldRetry(err, try+1) {
				break
			}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no strategy supports %s jobs", job.Kind)
		onlyTransient = false
	}
	log.Warn("fetch strategies exhausted", zap.Int("attempts", attempts), zap.Error(lastErr))
	return pipeline.FetchResult{
		Err:       fmt.Errorf("%w: %s: %w", pipeline.ErrFetchExhausted, job.Identifier(), lastErr),
		Exhausted: true,
		Retryable: onlyTransient,
		Attempts:  attempts,
		Duration:  time.Since(start),
	}
}

func cancelled(err error, attempts int, start time.Time) pipeline.FetchResult {
	return pipeline.FetchResult{
		Err:      fmt.Errorf("fetch cancelled: %w", err),
		Attempts: attempts,
		Duration: time.Since(start),
	}
}

func outcomeOf(err error) string {
	var (
		blocked *pipeline.BlockedError
		timeout *pipeline.RenderTimeout
	)
	switch {
	case pipeline.IsTransient(err):
		return "transient"
	case errors.As(err, &blocked):
		return "blocked"
	case errors.As(err, &timeout):
		return "render_timeout"
	default:
		return "error"
	}
}
