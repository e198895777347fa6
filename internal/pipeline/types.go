// Package pipeline defines the core types shared across the tile acquisition and
// classification subsystems.
package pipeline

import (
	"fmt"
	"time"
)

// Point is a planar coordinate in the AOI's reference system.
type Point struct {
	X float64 `json:"x" mapstructure:"x" yaml:"x"`
	Y float64 `json:"y" mapstructure:"y" yaml:"y"`
}

// BBox is an axis-aligned bounding box.
type BBox struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// Width returns the horizontal extent of the box.
func (b BBox) Width() float64 { return b.MaxX - b.MinX }

// Height returns the vertical extent of the box.
func (b BBox) Height() float64 { return b.MaxY - b.MinY }

// Area returns the box area.
func (b BBox) Area() float64 { return b.Width() * b.Height() }

// Intersect clips b to other. The result may be empty (zero or negative extent).
func (b BBox) Intersect(other BBox) BBox {
	return BBox{
		MinX: max(b.MinX, other.MinX),
		MinY: max(b.MinY, other.MinY),
		MaxX: min(b.MaxX, other.MaxX),
		MaxY: min(b.MaxY, other.MaxY),
	}
}

// Empty reports whether the box has no area.
func (b BBox) Empty() bool {
	return b.MaxX <= b.MinX || b.MaxY <= b.MinY
}

// AreaOfInterest is the user-selected boundary for a run. It is copied by value
// into the run and never mutated afterwards.
type AreaOfInterest struct {
	Polygon    []Point `json:"polygon"`
	CRS        string  `json:"crs"`
	Resolution float64 `json:"resolution"`
	Sensor     string  `json:"sensor"`
}

// TileKey identifies a tile within a run; it is never reused inside one run.
type TileKey struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (k TileKey) String() string {
	return fmt.Sprintf("r%04d_c%04d", k.Row, k.Col)
}

// ParseTileKey reverses TileKey.String.
func ParseTileKey(s string) (TileKey, error) {
	var k TileKey
	if _, err := fmt.Sscanf(s, "r%d_c%d", &k.Row, &k.Col); err != nil {
		return TileKey{}, fmt.Errorf("parse tile key %q: %w", s, err)
	}
	if k.Row < 0 || k.Col < 0 || k.String() != s {
		return TileKey{}, fmt.Errorf("parse tile key %q: not canonical", s)
	}
	return k, nil
}

// TileRequest is one bounded sub-region of the AOI to download and process.
type TileRequest struct {
	Key       TileKey  `json:"key"`
	BBox      BBox     `json:"bbox"`
	Bands     []string `json:"bands"`
	OverlapPx int      `json:"overlap_px"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
}

// SceneRef describes one source scene that may cover a tile.
type SceneRef struct {
	ID          string    `json:"id" mapstructure:"id"`
	URLTemplate string    `json:"url_template" mapstructure:"url_template"`
	AcquiredAt  time.Time `json:"acquired_at" mapstructure:"acquired_at"`
	// ByteRange, when set, is sent as an HTTP Range ("start-end") for every tile
	// of the scene. It accepts the same placeholders as URLTemplate.
	ByteRange string `json:"byte_range,omitempty" mapstructure:"byte_range"`
}

// JobKind distinguishes tile downloads from dataset page crawls.
type JobKind string

// Supported job kinds.
const (
	JobKindTile JobKind = "tile"
	JobKindPage JobKind = "page"
)

// Target is what a fetch job points at: a tile (plus the scene being fetched) or a URL.
type Target struct {
	URL   string
	Tile  *TileRequest
	Scene *SceneRef
	// ByteRange restricts a tile fetch to a byte range ("start-end").
	ByteRange string
}

// FetchJob is a unit of work for the worker pool.
type FetchJob struct {
	ID     string
	Kind   JobKind
	Target Target
	// Scenes lists the source scenes a tile job mosaics; empty for page jobs.
	Scenes []SceneRef
	// Attempt counts strategies tried during the current chain pass.
	Attempt int
	// Remaining holds the strategy names not yet tried in the current pass.
	Remaining []string
	// Requeues counts how many times the job went back to the tail of the queue.
	Requeues int
}

// Identifier returns the caller-facing identity of the job: the tile key or the URL.
func (j FetchJob) Identifier() string {
	if j.Kind == JobKindTile && j.Target.Tile != nil {
		return j.Target.Tile.Key.String()
	}
	return j.Target.URL
}

// FetchResult is the outcome of running a job through the strategy chain.
type FetchResult struct {
	OK          bool
	Payload     []byte
	ContentType string
	StatusCode  int
	URL         string
	Strategy    string
	Duration    time.Duration
	Attempts    int
	// Err holds the last error when OK is false.
	Err error
	// Exhausted is set when every eligible strategy was tried.
	Exhausted bool
	// Retryable is set on exhausted results whose every failure was transient.
	Retryable bool
}

// BandData holds one band of a processed raster in physical units.
type BandData struct {
	Name   string    `json:"name"`
	Values []float64 `json:"-"`
}

// ProcessedTile is the masked, scaled, mosaicked raster for one tile.
type ProcessedTile struct {
	Key        TileKey
	Sensor     string
	AcquiredAt time.Time
	Width      int
	Height     int
	Bands      []BandData
	Valid      []bool
	AllInvalid bool
	Sources    []string
}

// ValidCount returns the number of valid pixels.
func (t ProcessedTile) ValidCount() int {
	n := 0
	for _, ok := range t.Valid {
		if ok {
			n++
		}
	}
	return n
}

// Category is a classification label dimension.
type Category string

// Label categories produced by the ensemble.
const (
	CategorySatellite  Category = "satellite"
	CategorySensor     Category = "sensor"
	CategoryResolution Category = "resolution"
)

// Categories lists every category in a stable order.
var Categories = []Category{CategorySatellite, CategorySensor, CategoryResolution}

// Vote is one classifier's opinion about one category.
type Vote struct {
	Category   Category `json:"category"`
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Method     string   `json:"method"`
}

// Label is the winning candidate for a category.
type Label struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score"`
	Votes      []Vote  `json:"votes"`
}

// ClassificationResult is the merged label set for one crawled page.
type ClassificationResult struct {
	// RequestedURL is the page job's URL; URL is where redirects ended.
	RequestedURL string             `json:"requested_url,omitempty"`
	URL          string             `json:"url"`
	Title        string             `json:"title,omitempty"`
	Labels       map[Category]Label `json:"labels"`
	Confidence   float64            `json:"confidence"`
	ClassifiedAt time.Time          `json:"classified_at"`
}

// Key identifies the result by the URL that was requested, falling back to
// the final URL.
func (r ClassificationResult) Key() string {
	if r.RequestedURL != "" {
		return r.RequestedURL
	}
	return r.URL
}

// VoteCount returns the number of votes backing the result.
func (r ClassificationResult) VoteCount() int {
	n := 0
	for _, l := range r.Labels {
		n += len(l.Votes)
	}
	return n
}
