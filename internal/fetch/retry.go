package fetch

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// Retry defaults applied when a RetryPolicy field is left zero.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 250 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
)

// RetryPolicy bounds same-strategy retries of transient failures.
type RetryPolicy struct {
	// MaxRetries is the number of attempts a single strategy gets for one job.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Validate rejects negative or inverted bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return pipeline.InvalidConfigf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return pipeline.InvalidConfigf("retry delays must be >= 0")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return pipeline.InvalidConfigf("retry base delay %s exceeds max delay %s", p.BaseDelay, p.MaxDelay)
	}
	return nil
}

func (p RetryPolicy) attempts() int {
	if p.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return p.MaxRetries
}

// ShouldRetry reports whether another attempt on the same strategy is allowed
// after the given number of attempts failed with err.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.attempts() {
		return false
	}
	return pipeline.IsTransient(err)
}

// Backoff returns the wait before retry number attempt (zero based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
