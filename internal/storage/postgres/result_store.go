package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// ResultStore writes classification results into classification_results. It
// implements pipeline.ResultSink; rerunning a crawl overwrites its rows.
type ResultStore struct {
	db    DB
	runID string
}

// NewResultStore binds a store to one run.
func NewResultStore(db DB, runID string) (*ResultStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	return &ResultStore{db: db, runID: runID}, nil
}

// Record upserts one result keyed by the URL the page job requested.
func (s *ResultStore) Record(ctx context.Context, result pipeline.ClassificationResult) error {
	if result.URL == "" {
		return fmt.Errorf("result url is required")
	}
	labels, err := json.Marshal(result.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	const query = `
INSERT INTO classification_results (
	run_id, requested_url, url, title, satellite, sensor_type, resolution_class, confidence, labels, classified_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (run_id, requested_url) DO UPDATE SET
	url = EXCLUDED.url,
	title = EXCLUDED.title,
	satellite = EXCLUDED.satellite,
	sensor_type = EXCLUDED.sensor_type,
	resolution_class = EXCLUDED.resolution_class,
	confidence = EXCLUDED.confidence,
	labels = EXCLUDED.labels,
	classified_at = EXCLUDED.classified_at`

	args := []any{
		s.runID,
		result.Key(),
		result.URL,
		result.Title,
		labelValue(result, pipeline.CategorySatellite),
		labelValue(result, pipeline.CategorySensor),
		labelValue(result, pipeline.CategoryResolution),
		result.Confidence,
		labels,
		result.ClassifiedAt,
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert classification result: %w", err)
	}
	return nil
}

// labelValue returns nil for a category without a winner so the column is NULL.
func labelValue(r pipeline.ClassificationResult, cat pipeline.Category) *string {
	l, ok := r.Labels[cat]
	if !ok {
		return nil
	}
	v := l.Value
	return &v
}
