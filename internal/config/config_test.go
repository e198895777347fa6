package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "geotile.yaml", `
run:
  concurrency: 6
  shutdown_grace: 2s
aoi:
  resolution: 20
  sensor: landsat-8
  polygon:
    - {x: 0, y: 0}
    - {x: 1000, y: 0}
    - {x: 1000, y: 1000}
    - {x: 0, y: 1000}
grid:
  tile_size_px: 128
  overlap: 0.1
  bands: [SR_B2, SR_B3]
scenes:
  - id: LC08_1
    url_template: https://tiles.example.com/{scene}/{key}.tif
    acquired_at: 2025-04-01T10:00:00Z
pages:
  - https://catalog.example.com/landsat
fetch:
  strategies: [http, browser]
  timeout: 45s
  max_retries: 4
classify:
  weights:
    keyword: 0.25
storage:
  backend: gcs
  gcs_bucket: tiles-bucket
checkpoint:
  backend: redis
  redis_addr: redis:6379
logging:
  development: false
  level: warn
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 6, cfg.Run.Concurrency)
	require.Equal(t, 2*time.Second, cfg.Run.ShutdownGrace)
	require.Equal(t, 1, cfg.Run.MaxRequeues)
	require.Equal(t, "landsat-8", cfg.AOI.Sensor)
	require.Len(t, cfg.AOI.Polygon, 4)
	require.Equal(t, pipeline.Point{X: 1000, Y: 1000}, cfg.AOI.Polygon[2])
	require.Equal(t, []string{"SR_B2", "SR_B3"}, cfg.Grid.Bands)
	require.Len(t, cfg.Scenes, 1)
	require.Equal(t, time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC), cfg.Scenes[0].AcquiredAt.UTC())
	require.Equal(t, []string{StrategyHTTP, StrategyBrowser}, cfg.Fetch.Strategies)
	require.Equal(t, 45*time.Second, cfg.Fetch.Timeout)
	require.Equal(t, 4, cfg.RetryPolicy().MaxRetries)
	require.Equal(t, 250*time.Millisecond, cfg.RetryPolicy().BaseDelay)
	require.InEpsilon(t, 0.25, cfg.Classify.Weights["keyword"], 1e-9)
	require.Equal(t, StorageGCS, cfg.Storage.Backend)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, 100*time.Millisecond, cfg.Progress.MinInterval)

	require.NoError(t, cfg.ValidateTiles())
	require.NoError(t, cfg.ValidatePages())
	opts := cfg.GridOptions()
	require.Equal(t, 128, opts.TileSizePx)

	aoi := cfg.AreaOfInterest()
	aoi.Polygon[0].X = 99
	require.Zero(t, cfg.AOI.Polygon[0].X)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeFile(t, "empty.yaml", "{}\n"))
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Run.Concurrency)
	require.Equal(t, 5*time.Second, cfg.Run.ShutdownGrace)
	require.Equal(t, 256, cfg.Grid.TileSizePx)
	require.Equal(t, []string{StrategyHTTP, StrategyAntiBot, StrategyBrowser}, cfg.Fetch.Strategies)
	require.Equal(t, StorageLocal, cfg.Storage.Backend)
	require.Equal(t, CheckpointMemory, cfg.Checkpoint.Backend)
	require.Equal(t, 168*time.Hour, cfg.Checkpoint.TTL)
	require.True(t, cfg.Logging.Development)

	require.ErrorIs(t, cfg.ValidateTiles(), pipeline.ErrInvalidGeometry)
	require.ErrorIs(t, cfg.ValidatePages(), pipeline.ErrInvalidConfig)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"concurrency":      "run: {concurrency: 0}\n",
		"unknown strategy": "fetch: {strategies: [http, carrier-pigeon]}\n",
		"overlap":          "grid: {overlap: 0.7}\n",
		"storage backend":  "storage: {backend: tape}\n",
		"gcs bucket":       "storage: {backend: gcs}\n",
		"checkpoint":       "checkpoint: {backend: etcd}\n",
		"pubsub project":   "pubsub: {topic_name: tiles}\n",
		"negative weight":  "classify: {weights: {keyword: -1}}\n",
		"weight above one": "classify: {weights: {catalog: 2}}\n",
		"unknown method":   "classify: {weights: {catlog: 0.5}}\n",
	}
	for name, body := range tests {
		_, err := Load(writeFile(t, "bad.yaml", body))
		require.ErrorIs(t, err, pipeline.ErrInvalidConfig, name)
	}
}

func TestValidateTilesChecksGridSizeAndByteRange(t *testing.T) {
	t.Parallel()

	base := `
aoi:
  resolution: 0.01
  polygon: [{x: 0, y: 0}, {x: 10000000, y: 0}, {x: 10000000, y: 10000000}, {x: 0, y: 10000000}]
grid: {tile_size_px: 1}
scenes:
  - {id: s1, url_template: "https://tiles.example.com/{scene}.tif"}
`
	cfg, err := Load(writeFile(t, "huge.yaml", base))
	require.NoError(t, err)
	require.Equal(t, 100000, cfg.GridOptions().MaxTiles)
	require.ErrorIs(t, cfg.ValidateTiles(), pipeline.ErrInvalidConfig)

	cfg.AOI.Resolution = 1000000
	require.NoError(t, cfg.ValidateTiles())

	cfg.Scenes[0].ByteRange = "{row}00-{row}99"
	require.NoError(t, cfg.ValidateTiles())
	cfg.Scenes[0].ByteRange = "0-1023"
	require.NoError(t, cfg.ValidateTiles())
	cfg.Scenes[0].ByteRange = "first-kb"
	require.ErrorIs(t, cfg.ValidateTiles(), pipeline.ErrInvalidConfig)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("GEOTILE_RUN_CONCURRENCY", "9")
	t.Setenv("GEOTILE_STORAGE_BACKEND", "memory")

	cfg, err := Load(writeFile(t, "geotile.yaml", "run: {concurrency: 2}\n"))
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Run.Concurrency)
	require.Equal(t, StorageMemory, cfg.Storage.Backend)
}

func TestLoadAOIFromGeoJSONFile(t *testing.T) {
	t.Parallel()

	geo := writeFile(t, "aoi.geojson", `{"type":"FeatureCollection","features":[{"type":"Feature",
		"geometry":{"type":"Polygon","coordinates":[[[0,0],[500,0],[500,400],[0,400],[0,0]]]}}]}`)
	cfg, err := Load(writeFile(t, "geotile.yaml", "aoi:\n  file: "+geo+"\n"))
	require.NoError(t, err)
	require.Len(t, cfg.AOI.Polygon, 5)
	require.Equal(t, pipeline.Point{X: 500, Y: 400}, cfg.AOI.Polygon[2])
}

func TestParseGeoJSONErrors(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"not json":         `{`,
		"unsupported type": `{"type":"LineString","coordinates":[[0,0],[1,1]]}`,
		"empty collection": `{"type":"FeatureCollection","features":[]}`,
		"no geometry":      `{"type":"Feature"}`,
		"no rings":         `{"type":"Polygon","coordinates":[]}`,
		"short position":   `{"type":"Polygon","coordinates":[[[0]]]}`,
	} {
		_, err := ParseGeoJSON([]byte(body))
		require.ErrorIs(t, err, pipeline.ErrInvalidGeometry, name)
	}
}
