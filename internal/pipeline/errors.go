package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Pre-flight and job-level sentinel errors.
var (
	ErrInvalidGeometry = errors.New("invalid geometry")
	ErrInvalidConfig   = errors.New("invalid config")
	ErrFetchExhausted  = errors.New("fetch strategies exhausted")
)

// TransientNetworkError is retried on the same strategy before escalating.
type TransientNetworkError struct {
	Strategy   string
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient network error (status %d): %v", e.Strategy, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient network error: %v", e.Strategy, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// BlockedError escalates immediately to the next strategy.
type BlockedError struct {
	Strategy   string
	StatusCode int
	Reason     string
}

func (e *BlockedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: blocked (status %d): %s", e.Strategy, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("%s: blocked: %s", e.Strategy, e.Reason)
}

// RenderTimeout is returned when a headless render exceeds its budget.
type RenderTimeout struct {
	Strategy string
	After    time.Duration
	Err      error
}

func (e *RenderTimeout) Error() string {
	return fmt.Sprintf("%s: render timed out after %s: %v", e.Strategy, e.After, e.Err)
}

func (e *RenderTimeout) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried on the same strategy.
func IsTransient(err error) bool {
	var t *TransientNetworkError
	return errors.As(err, &t)
}

// InvalidConfigf builds an error wrapping ErrInvalidConfig.
func InvalidConfigf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// InvalidGeometryf builds an error wrapping ErrInvalidGeometry.
func InvalidGeometryf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidGeometry, fmt.Sprintf(format, args...))
}
