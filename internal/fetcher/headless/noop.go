package headless

import (
	"context"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// Disabled stands in for the browser strategy when headless rendering is
// turned off, so configured chains keep their shape. Every attempt escalates.
type Disabled struct{}

// NewDisabled creates a Disabled strategy.
func NewDisabled() *Disabled {
	return &Disabled{}
}

// Name implements fetch.Strategy.
func (Disabled) Name() string { return strategyName }

// Supports implements fetch.Strategy.
func (Disabled) Supports(kind pipeline.JobKind) bool { return kind == pipeline.JobKindPage }

// Attempt always reports the strategy as blocked.
func (Disabled) Attempt(_ context.Context, _ *pipeline.FetchJob) (pipeline.FetchResult, error) {
	return pipeline.FetchResult{}, &pipeline.BlockedError{Strategy: strategyName, Reason: "headless rendering disabled"}
}
