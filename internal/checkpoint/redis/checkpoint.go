// Package redis stores resume checkpoints as Redis sets, one set of completed
// tile keys per AOI fingerprint.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

const keyPrefix = "geotile:checkpoint:"

// DefaultTTL bounds how long an untouched checkpoint survives.
const DefaultTTL = 7 * 24 * time.Hour

// Client is the subset of redis.Cmdable the checkpoint uses.
type Client interface {
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Checkpoint implements pipeline.Checkpoint on Redis.
type Checkpoint struct {
	client Client
	ttl    time.Duration
	logger *zap.Logger
}

// Config holds connection settings.
type Config struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NewClient opens a go-redis client from cfg.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

// New constructs a Checkpoint; ttl <= 0 selects DefaultTTL.
func New(client Client, ttl time.Duration, logger *zap.Logger) *Checkpoint {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpoint{client: client, ttl: ttl, logger: logger}
}

func setKey(runKey string) string {
	return keyPrefix + runKey
}

// Completed loads the set of completed tiles. Malformed members are skipped.
func (c *Checkpoint) Completed(ctx context.Context, runKey string) (map[pipeline.TileKey]bool, error) {
	members, err := c.client.SMembers(ctx, setKey(runKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runKey, err)
	}
	out := make(map[pipeline.TileKey]bool, len(members))
	for _, m := range members {
		k, err := pipeline.ParseTileKey(m)
		if err != nil {
			c.logger.Warn("skipping malformed checkpoint member", zap.String("run_key", runKey), zap.String("member", m))
			continue
		}
		out[k] = true
	}
	return out, nil
}

// MarkCompleted adds key to the set and refreshes its expiry.
func (c *Checkpoint) MarkCompleted(ctx context.Context, runKey string, key pipeline.TileKey) error {
	k := setKey(runKey)
	if err := c.client.SAdd(ctx, k, key.String()).Err(); err != nil {
		return fmt.Errorf("mark %s completed: %w", key, err)
	}
	if err := c.client.Expire(ctx, k, c.ttl).Err(); err != nil {
		return fmt.Errorf("refresh checkpoint ttl: %w", err)
	}
	return nil
}
