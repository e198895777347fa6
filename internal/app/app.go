// Package app initializes and holds long-lived pipeline services, acting as a
// dependency injection container for the CLI commands.
package app

import (
	"context"
	"fmt"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/geotile-pipeline/internal/checkpoint/memory"
	redischeckpoint "github.com/JakeFAU/geotile-pipeline/internal/checkpoint/redis"
	"github.com/JakeFAU/geotile-pipeline/internal/config"
	"github.com/JakeFAU/geotile-pipeline/internal/id/uuid"
	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
	"github.com/JakeFAU/geotile-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/geotile-pipeline/internal/storage"
	"github.com/JakeFAU/geotile-pipeline/internal/storage/gcs"
	"github.com/JakeFAU/geotile-pipeline/internal/storage/local"
	memorystore "github.com/JakeFAU/geotile-pipeline/internal/storage/memory"
	"github.com/JakeFAU/geotile-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/geotile-pipeline/internal/store"
	"github.com/JakeFAU/geotile-pipeline/internal/telemetry"
)

// App holds the shared services of one CLI invocation.
type App struct {
	Config config.Config
	Logger *zap.Logger
	IDs    *uuid.Generator
	// Tiles writes processed tiles to the configured blob backend.
	Tiles *storage.TileWriter
	// Publisher is nil when no Pub/Sub topic is configured.
	Publisher pipeline.Publisher
	// Checkpoint is nil when checkpoint.backend is "none".
	Checkpoint pipeline.Checkpoint
	// Runs is backed by Postgres when db.dsn is set and by memory otherwise.
	Runs store.RunRepository
	// DB is nil without db.dsn.
	DB postgres.DB

	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// New builds every service cfg asks for. On failure the services opened so far
// are closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, IDs: uuid.New()}
	if err := a.init(ctx); err != nil {
		a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	a.Logger.Info("initializing pipeline services")

	tp, err := telemetry.InitTracerProvider(ctx, a.Config.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.AddCloser("tracer", tp.Shutdown)

	if err := a.initStorage(ctx); err != nil {
		return err
	}
	if err := a.initPublisher(ctx); err != nil {
		return err
	}
	a.initCheckpoint()
	if err := a.initRunStore(ctx); err != nil {
		return err
	}

	a.Logger.Info("pipeline services initialized",
		zap.String("storage", a.Config.Storage.Backend),
		zap.String("checkpoint", a.Config.Checkpoint.Backend),
		zap.Bool("postgres", a.DB != nil),
		zap.Bool("pubsub", a.Publisher != nil),
	)
	return nil
}

func (a *App) initStorage(ctx context.Context) error {
	cfg := a.Config.Storage
	var blobs storage.BlobStore
	switch cfg.Backend {
	case config.StorageLocal:
		bs, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return fmt.Errorf("init local storage: %w", err)
		}
		blobs = bs
	case config.StorageGCS:
		var opts []option.ClientOption
		if cfg.GCSEndpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.GCSEndpoint), option.WithoutAuthentication())
		}
		client, err := gcstorage.NewClient(ctx, opts...)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		a.AddCloser("gcs", func(context.Context) error { return client.Close() })
		bs, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket, CacheControl: cfg.CacheControl})
		if err != nil {
			return fmt.Errorf("init gcs storage: %w", err)
		}
		a.Logger.Info("using gcs storage", zap.String("bucket", cfg.GCSBucket))
		blobs = bs
	case config.StorageMemory:
		blobs = memorystore.NewBlobStore()
	default:
		return pipeline.InvalidConfigf("unknown storage backend %q", cfg.Backend)
	}
	a.Tiles = storage.NewTileWriter(blobs, cfg.Prefix, a.Logger.Named("storage"))
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	cfg := a.Config.PubSub
	if cfg.TopicName == "" {
		return nil
	}
	client, err := gcpubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsub.New(client, cfg.TopicName)
	a.AddCloser("pubsub", func(context.Context) error {
		pub.Close()
		return client.Close()
	})
	a.Logger.Info("publishing notifications", zap.String("topic", cfg.TopicName))
	a.Publisher = pub
	return nil
}

func (a *App) initCheckpoint() {
	cfg := a.Config.Checkpoint
	switch cfg.Backend {
	case config.CheckpointMemory:
		a.Checkpoint = memory.New()
	case config.CheckpointRedis:
		client := redischeckpoint.NewClient(redischeckpoint.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.AddCloser("redis", func(context.Context) error { return client.Close() })
		a.Checkpoint = redischeckpoint.New(client, cfg.TTL, a.Logger.Named("checkpoint"))
	}
}

func (a *App) initRunStore(ctx context.Context) error {
	cfg := a.Config.DB
	if cfg.DSN == "" {
		a.Runs = memorystore.NewRunStore()
		return nil
	}
	pool, err := postgres.Connect(ctx, postgres.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	a.AddCloser("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	if cfg.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	runs, err := postgres.NewRunStore(pool)
	if err != nil {
		return fmt.Errorf("init run store: %w", err)
	}
	a.DB = pool
	a.Runs = runs
	return nil
}

// AddCloser registers fn to run on Close. Closers run in reverse order.
func (a *App) AddCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close shuts every service down, logging failures, and flushes the logger.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.Logger.Warn("close service failed", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
}
