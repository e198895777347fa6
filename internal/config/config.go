// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/JakeFAU/geotile-pipeline/internal/classify"
	"github.com/JakeFAU/geotile-pipeline/internal/fetch"
	"github.com/JakeFAU/geotile-pipeline/internal/grid"
	"github.com/JakeFAU/geotile-pipeline/internal/logging"
	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
	"github.com/JakeFAU/geotile-pipeline/internal/policy/simple"
	"github.com/JakeFAU/geotile-pipeline/internal/telemetry"
)

var byteRangePattern = regexp.MustCompile(`^\d+-\d*$`)

// EnvPrefix prefixes every environment override, e.g. GEOTILE_RUN_CONCURRENCY.
const EnvPrefix = "GEOTILE"

// Strategy names accepted in fetch.strategies.
const (
	StrategyHTTP    = "http"
	StrategyAntiBot = "antibot"
	StrategyBrowser = "browser"
)

// Config captures every knob of the pipeline.
type Config struct {
	Run        RunConfig           `mapstructure:"run"`
	AOI        AOIConfig           `mapstructure:"aoi"`
	Grid       GridConfig          `mapstructure:"grid"`
	Scenes     []pipeline.SceneRef `mapstructure:"scenes"`
	Pages      []string            `mapstructure:"pages"`
	Fetch      FetchConfig         `mapstructure:"fetch"`
	Headless   HeadlessConfig      `mapstructure:"headless"`
	RateLimit  RateLimitConfig     `mapstructure:"rate_limit"`
	Policy     simple.Config       `mapstructure:"policy"`
	Processing ProcessingConfig    `mapstructure:"processing"`
	Classify   ClassifyConfig      `mapstructure:"classify"`
	Storage    StorageConfig       `mapstructure:"storage"`
	Export     ExportConfig        `mapstructure:"export"`
	DB         DBConfig            `mapstructure:"db"`
	PubSub     PubSubConfig        `mapstructure:"pubsub"`
	Checkpoint CheckpointConfig    `mapstructure:"checkpoint"`
	Server     ServerConfig        `mapstructure:"server"`
	Progress   ProgressConfig      `mapstructure:"progress"`
	Logging    logging.Config      `mapstructure:"logging"`
	Tracing    telemetry.Config    `mapstructure:"tracing"`
}

// RunConfig controls the worker pool.
type RunConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	MaxRequeues   int           `mapstructure:"max_requeues"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// AOIConfig describes the area of interest. Polygon wins over File.
type AOIConfig struct {
	Polygon    []pipeline.Point `mapstructure:"polygon"`
	File       string           `mapstructure:"file"`
	CRS        string           `mapstructure:"crs"`
	Resolution float64          `mapstructure:"resolution"`
	Sensor     string           `mapstructure:"sensor"`
}

// GridConfig controls tile sizing.
type GridConfig struct {
	TileSizePx int      `mapstructure:"tile_size_px"`
	Overlap    float64  `mapstructure:"overlap"`
	Bands      []string `mapstructure:"bands"`
	// MaxTiles caps the grid cells spanned by the AOI bounding box.
	MaxTiles int `mapstructure:"max_tiles"`
}

// FetchConfig configures the strategy chain.
type FetchConfig struct {
	Strategies      []string      `mapstructure:"strategies"`
	UserAgent       string        `mapstructure:"user_agent"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxBodyBytes    int           `mapstructure:"max_body_bytes"`
	RespectRobots   bool          `mapstructure:"respect_robots"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	DetectorMinText int           `mapstructure:"detector_min_text"`
}

// HeadlessConfig configures the rendered-browser strategy.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Settle            time.Duration `mapstructure:"settle"`
}

// RateLimitConfig sets per-host token buckets.
type RateLimitConfig struct {
	RPS     float64            `mapstructure:"rps"`
	Burst   int                `mapstructure:"burst"`
	PerHost map[string]float64 `mapstructure:"per_host"`
}

// ProcessingConfig optionally replaces the built-in sensor profiles.
type ProcessingConfig struct {
	ProfilesFile string `mapstructure:"profiles_file"`
}

// ClassifyConfig tunes the ensemble.
type ClassifyConfig struct {
	Weights          map[string]float64 `mapstructure:"weights"`
	MinSimilarity    float64            `mapstructure:"min_similarity"`
	LexicalThreshold float64            `mapstructure:"lexical_threshold"`
}

// Storage backends.
const (
	StorageLocal  = "local"
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// StorageConfig selects where processed tiles are written.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	Prefix       string `mapstructure:"prefix"`
	BaseDir      string `mapstructure:"base_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	CacheControl string `mapstructure:"cache_control"`
	// GCSEndpoint points the GCS client at an emulator; empty uses Google.
	GCSEndpoint string `mapstructure:"gcs_endpoint"`
}

// ExportConfig names classification export files. Empty paths disable an exporter.
type ExportConfig struct {
	JSONL  string `mapstructure:"jsonl"`
	SQLite string `mapstructure:"sqlite"`
}

// DBConfig controls the Postgres run store. An empty DSN disables it.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PubSubConfig holds notification settings. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Checkpoint backends.
const (
	CheckpointNone   = "none"
	CheckpointMemory = "memory"
	CheckpointRedis  = "redis"
)

// CheckpointConfig selects the resume store.
type CheckpointConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, guards the /v1 routes.
	APIKey string `mapstructure:"api_key"`
}

// ProgressConfig tunes progress event throttling.
type ProgressConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
	// Buffer is the capacity of the event hub queue.
	Buffer int `mapstructure:"buffer"`
}

// Load builds a Config from disk and environment. With an empty path the file
// geotile.{yaml,json,toml} is looked up in ., /etc/geotile and $HOME/.geotile;
// a missing file there is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("geotile")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/geotile/")
		v.AddConfigPath("$HOME/.geotile")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.AOI.Polygon) == 0 && cfg.AOI.File != "" {
		ring, err := LoadAOIFile(cfg.AOI.File)
		if err != nil {
			return Config{}, err
		}
		cfg.AOI.Polygon = ring
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.concurrency", 4)
	v.SetDefault("run.max_requeues", 1)
	v.SetDefault("run.shutdown_grace", "5s")
	v.SetDefault("aoi.crs", "EPSG:3857")
	v.SetDefault("aoi.resolution", 10.0)
	v.SetDefault("aoi.sensor", "sentinel-2")
	v.SetDefault("grid.tile_size_px", 256)
	v.SetDefault("grid.overlap", grid.DefaultOverlap)
	v.SetDefault("grid.max_tiles", grid.DefaultMaxTiles)
	v.SetDefault("fetch.strategies", []string{StrategyHTTP, StrategyAntiBot, StrategyBrowser})
	v.SetDefault("fetch.user_agent", "geotile/0.1 (+https://github.com/JakeFAU/geotile-pipeline)")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.max_retries", fetch.DefaultMaxRetries)
	v.SetDefault("fetch.base_delay", fetch.DefaultBaseDelay.String())
	v.SetDefault("fetch.max_delay", fetch.DefaultMaxDelay.String())
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.navigation_timeout", "25s")
	v.SetDefault("headless.settle", "500ms")
	v.SetDefault("rate_limit.rps", 2.0)
	v.SetDefault("rate_limit.burst", 2)
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.prefix", "tiles")
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("checkpoint.backend", CheckpointMemory)
	v.SetDefault("checkpoint.redis_addr", "localhost:6379")
	v.SetDefault("checkpoint.ttl", "168h")
	v.SetDefault("server.port", 8080)
	v.SetDefault("progress.min_interval", "100ms")
	v.SetDefault("progress.buffer", 1024)
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.service_name", "geotile")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits. Errors wrap
// pipeline.ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.Run.Concurrency <= 0:
		return pipeline.InvalidConfigf("run.concurrency must be > 0")
	case c.Run.ShutdownGrace < 0:
		return pipeline.InvalidConfigf("run.shutdown_grace must be >= 0")
	case c.Fetch.Timeout <= 0:
		return pipeline.InvalidConfigf("fetch.timeout must be > 0")
	case len(c.Fetch.Strategies) == 0:
		return pipeline.InvalidConfigf("fetch.strategies must name at least one strategy")
	case c.Headless.Enabled && c.Headless.MaxParallel <= 0:
		return pipeline.InvalidConfigf("headless.max_parallel must be > 0 when headless is enabled")
	case c.Server.Port <= 0:
		return pipeline.InvalidConfigf("server.port must be > 0")
	}
	for _, name := range c.Fetch.Strategies {
		if !slices.Contains([]string{StrategyHTTP, StrategyAntiBot, StrategyBrowser}, name) {
			return pipeline.InvalidConfigf("fetch.strategies: unknown strategy %q", name)
		}
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return err
	}
	if err := c.GridOptions().Validate(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if strings.TrimSpace(c.Storage.BaseDir) == "" {
			return pipeline.InvalidConfigf("storage.base_dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return pipeline.InvalidConfigf("storage.gcs_bucket is required for the gcs backend")
		}
	case StorageMemory:
	default:
		return pipeline.InvalidConfigf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	switch c.Checkpoint.Backend {
	case CheckpointNone, CheckpointMemory:
	case CheckpointRedis:
		if c.Checkpoint.RedisAddr == "" {
			return pipeline.InvalidConfigf("checkpoint.redis_addr is required for the redis backend")
		}
	default:
		return pipeline.InvalidConfigf("checkpoint.backend: unknown backend %q", c.Checkpoint.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return pipeline.InvalidConfigf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	if err := classify.ValidateWeights(c.Classify.Weights); err != nil {
		return fmt.Errorf("classify.weights: %w", err)
	}
	return nil
}

// ValidateTiles checks what a tile run needs before any network call.
func (c Config) ValidateTiles() error {
	if err := grid.Validate(c.AreaOfInterest(), c.GridOptions()); err != nil {
		return err
	}
	if len(c.Scenes) == 0 {
		return pipeline.InvalidConfigf("scenes: at least one scene is required")
	}
	for i, s := range c.Scenes {
		if s.ID == "" || s.URLTemplate == "" {
			return pipeline.InvalidConfigf("scenes[%d]: id and url_template are required", i)
		}
		if s.ByteRange != "" && !strings.Contains(s.ByteRange, "{") && !byteRangePattern.MatchString(s.ByteRange) {
			return pipeline.InvalidConfigf("scenes[%d]: byte_range %q is not start-end", i, s.ByteRange)
		}
	}
	return nil
}

// ValidatePages checks what a classification run needs.
func (c Config) ValidatePages() error {
	if len(c.Pages) == 0 {
		return pipeline.InvalidConfigf("pages: at least one url is required")
	}
	return nil
}

// AreaOfInterest returns the configured AOI as a value.
func (c Config) AreaOfInterest() pipeline.AreaOfInterest {
	return pipeline.AreaOfInterest{
		Polygon:    slices.Clone(c.AOI.Polygon),
		CRS:        c.AOI.CRS,
		Resolution: c.AOI.Resolution,
		Sensor:     c.AOI.Sensor,
	}
}

// GridOptions converts the grid section.
func (c Config) GridOptions() grid.Options {
	return grid.Options{
		TileSizePx: c.Grid.TileSizePx,
		Overlap:    c.Grid.Overlap,
		Bands:      slices.Clone(c.Grid.Bands),
		MaxTiles:   c.Grid.MaxTiles,
	}
}

// RetryPolicy converts the retry knobs of the fetch section.
func (c Config) RetryPolicy() fetch.RetryPolicy {
	return fetch.RetryPolicy{
		MaxRetries: c.Fetch.MaxRetries,
		BaseDelay:  c.Fetch.BaseDelay,
		MaxDelay:   c.Fetch.MaxDelay,
	}
}

// LoadAOIFile reads an AOI polygon from a GeoJSON Polygon, Feature or
// FeatureCollection (first feature) file.
func LoadAOIFile(path string) ([]pipeline.Point, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read aoi file: %w", err)
	}
	ring, err := ParseGeoJSON(data)
	if err != nil {
		return nil, fmt.Errorf("aoi file %s: %w", path, err)
	}
	return ring, nil
}
