// Package storage hands processed tiles to a blob store. The store decides
// where bytes live (local disk, GCS or memory); this package owns the object
// layout and the tile encoding.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
	"github.com/JakeFAU/geotile-pipeline/internal/processing"
)

// BlobStore persists one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// TileExtension is the object suffix of encoded tiles.
const TileExtension = ".bsq"

// TileWriter encodes tiles and writes them under prefix/runID/sensor/key.bsq.
type TileWriter struct {
	blobs  BlobStore
	prefix string
	hasher *sha256.Hasher
	logger *zap.Logger
}

// NewTileWriter constructs a TileWriter over blobs.
func NewTileWriter(blobs BlobStore, prefix string, logger *zap.Logger) *TileWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TileWriter{blobs: blobs, prefix: prefix, hasher: sha256.New(), logger: logger}
}

// TilePath returns the object path of a tile.
func TilePath(prefix, runID string, tile pipeline.ProcessedTile) string {
	sensor := tile.Sensor
	if sensor == "" {
		sensor = "unknown"
	}
	return path.Join(prefix, runID, sensor, tile.Key.String()+TileExtension)
}

// WriteTile implements pipeline.TileWriter.
func (w *TileWriter) WriteTile(ctx context.Context, runID string, tile pipeline.ProcessedTile) (string, error) {
	if w.blobs == nil {
		return "", fmt.Errorf("blob store is not configured")
	}
	data, err := processing.Encode(tile)
	if err != nil {
		return "", fmt.Errorf("encode tile %s: %w", tile.Key, err)
	}
	objectPath := TilePath(w.prefix, runID, tile)
	uri, err := w.blobs.PutObject(ctx, objectPath, processing.ContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put tile %s: %w", tile.Key, err)
	}
	w.logger.Debug("tile written",
		zap.String("tile", tile.Key.String()),
		zap.String("uri", uri),
		zap.Int("bytes", len(data)),
		zap.String("sha256", w.hasher.Short(data, 12)),
		zap.Bool("all_invalid", tile.AllInvalid),
	)
	return uri, nil
}
