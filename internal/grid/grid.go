// Package grid splits an area of interest into a deterministic, row-major set of
// tile requests.
package grid

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/JakeFAU/geotile-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// DefaultOverlap is the default fraction of redundant area tolerated between tiles.
const DefaultOverlap = 0.08

// DefaultMaxTiles caps the number of grid cells a single run may span.
const DefaultMaxTiles = 100_000

// Options controls tile sizing.
type Options struct {
	// TileSizePx is the tile edge length in pixels.
	TileSizePx int
	// Overlap bounds the redundant area shared by neighbouring tiles, as a
	// fraction of the covered area. Zero selects DefaultOverlap; use a negative
	// value to disable overlap.
	Overlap float64
	// Bands is copied onto every request.
	Bands []string
	// MaxTiles caps rows*cols of the grid over the AOI bounding box. Zero
	// selects DefaultMaxTiles.
	MaxTiles int
}

func (o Options) maxTiles() int {
	if o.MaxTiles == 0 {
		return DefaultMaxTiles
	}
	return o.MaxTiles
}

func (o Options) overlap() float64 {
	switch {
	case o.Overlap < 0:
		return 0
	case o.Overlap == 0:
		return DefaultOverlap
	default:
		return o.Overlap
	}
}

// OverlapPx returns the per-tile margin in pixels. Each tile grows by this many
// pixels on its east and south edges; the margin is sized so that the area
// covered twice never exceeds the overlap fraction: (1+r)^2-1 <= overlap.
func (o Options) OverlapPx() int {
	f := o.overlap()
	if f <= 0 || o.TileSizePx <= 0 {
		return 0
	}
	return int(math.Floor(float64(o.TileSizePx) * (math.Sqrt(1+f) - 1)))
}

// Validate checks the options before any tile is produced.
func (o Options) Validate() error {
	if o.TileSizePx <= 0 {
		return pipeline.InvalidConfigf("tile size must be > 0, got %d", o.TileSizePx)
	}
	if o.Overlap >= 0.5 {
		return pipeline.InvalidConfigf("overlap must be < 0.5, got %.3f", o.Overlap)
	}
	if o.MaxTiles < 0 {
		return pipeline.InvalidConfigf("max tiles must be >= 0, got %d", o.MaxTiles)
	}
	return nil
}

// ValidateAOI checks the AOI geometry and resolution.
func ValidateAOI(aoi pipeline.AreaOfInterest) error {
	if math.IsNaN(aoi.Resolution) || aoi.Resolution <= 0 || math.IsInf(aoi.Resolution, 0) {
		return pipeline.InvalidConfigf("resolution must be a positive number, got %v", aoi.Resolution)
	}
	return validateRing(normalizeRing(aoi.Polygon))
}

// Validate checks the options, the AOI and the size of the resulting grid
// without producing tiles.
func Validate(aoi pipeline.AreaOfInterest, opts Options) error {
	_, _, err := dimensions(aoi, opts)
	return err
}

// dimensions returns the row and column count of the grid over the AOI
// bounding box. The counts are computed in float64 and checked against the
// tile cap before any int conversion.
func dimensions(aoi pipeline.AreaOfInterest, opts Options) (rows, cols int, err error) {
	if err := opts.Validate(); err != nil {
		return 0, 0, err
	}
	if err := ValidateAOI(aoi); err != nil {
		return 0, 0, err
	}
	bounds := ringBounds(normalizeRing(aoi.Polygon))
	cell := float64(opts.TileSizePx) * aoi.Resolution
	fc := cellCount(bounds.Width(), cell)
	fr := cellCount(bounds.Height(), cell)
	if math.IsInf(cell, 0) || math.IsNaN(fc) || math.IsInf(fc, 0) || math.IsNaN(fr) || math.IsInf(fr, 0) {
		return 0, 0, pipeline.InvalidConfigf("grid over %gx%g with %g-unit cells is not representable",
			bounds.Width(), bounds.Height(), cell)
	}
	limit := opts.maxTiles()
	if fr*fc > float64(limit) {
		return 0, 0, pipeline.InvalidConfigf("grid of %.0f rows x %.0f cols exceeds max tiles %d; raise grid.max_tiles, tile size or resolution",
			fr, fc, limit)
	}
	return int(fr), int(fc), nil
}

// Build produces the ordered tile requests covering the AOI. Tiles are emitted
// row-major from the north-west corner; grid cells that miss the polygon are
// skipped without renumbering, so keys stay stable across runs.
func Build(aoi pipeline.AreaOfInterest, opts Options) ([]pipeline.TileRequest, error) {
	rows, cols, err := dimensions(aoi, opts)
	if err != nil {
		return nil, err
	}
	ring := normalizeRing(aoi.Polygon)
	bounds := ringBounds(ring)

	cell := float64(opts.TileSizePx) * aoi.Resolution
	marginPx := opts.OverlapPx()
	margin := float64(marginPx) * aoi.Resolution

	tiles := make([]pipeline.TileRequest, 0, rows*cols)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			cellBox := pipeline.BBox{
				MinX: bounds.MinX + float64(col)*cell,
				MaxX: bounds.MinX + float64(col+1)*cell,
				MaxY: bounds.MaxY - float64(row)*cell,
				MinY: bounds.MaxY - float64(row+1)*cell,
			}.Intersect(bounds)
			if cellBox.Empty() || !rectIntersectsRing(ring, cellBox) {
				continue
			}
			box := pipeline.BBox{
				MinX: cellBox.MinX,
				MinY: cellBox.MinY - margin,
				MaxX: cellBox.MaxX + margin,
				MaxY: cellBox.MaxY,
			}.Intersect(bounds)
			tiles = append(tiles, pipeline.TileRequest{
				Key:       pipeline.TileKey{Row: row, Col: col},
				BBox:      box,
				Bands:     append([]string(nil), opts.Bands...),
				OverlapPx: marginPx,
				Width:     pixels(box.Width(), aoi.Resolution),
				Height:    pixels(box.Height(), aoi.Resolution),
			})
		}
	}
	return tiles, nil
}

func cellCount(extent, cell float64) float64 {
	return max(1, math.Ceil(extent/cell-1e-9))
}

func pixels(extent, resolution float64) int {
	n := int(math.Round(extent / resolution))
	if n < 1 {
		return 1
	}
	return n
}

// Fingerprint returns a stable digest of the AOI and grid options. Identical
// inputs always yield identical tile lists, so the digest keys resume checkpoints.
func Fingerprint(aoi pipeline.AreaOfInterest, opts Options) (string, error) {
	payload, err := json.Marshal(struct {
		AOI       pipeline.AreaOfInterest `json:"aoi"`
		TileSize  int                     `json:"tile_size"`
		OverlapPx int                     `json:"overlap_px"`
		Bands     []string                `json:"bands"`
	}{aoi, opts.TileSizePx, opts.OverlapPx(), opts.Bands})
	if err != nil {
		return "", fmt.Errorf("marshal grid fingerprint: %w", err)
	}
	return sha256.New().Short(payload, 16), nil
}
