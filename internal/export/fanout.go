package export

import (
	"context"
	"errors"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// Fanout records every result in each of its sinks. A failing sink does not
// stop the others; their errors are joined.
type Fanout []pipeline.ResultSink

// Record implements pipeline.ResultSink.
func (f Fanout) Record(ctx context.Context, result pipeline.ClassificationResult) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Record(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
