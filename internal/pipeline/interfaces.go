package pipeline

import (
	"context"
	"time"
)

// TileWriter hands processed tiles to the storage collaborator and returns a URI.
type TileWriter interface {
	WriteTile(ctx context.Context, runID string, tile ProcessedTile) (string, error)
}

// ResultSink receives classification results as a run proceeds.
type ResultSink interface {
	Record(ctx context.Context, result ClassificationResult) error
}

// Publisher pushes completion notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Checkpoint remembers completed tiles so a rerun of the same AOI can resume.
type Checkpoint interface {
	Completed(ctx context.Context, runKey string) (map[TileKey]bool, error)
	MarkCompleted(ctx context.Context, runKey string, key TileKey) error
}

// Hasher computes digests for fingerprints and integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
