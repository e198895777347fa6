package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/grid"
	"github.com/JakeFAU/geotile-pipeline/internal/processing"
	queuememory "github.com/JakeFAU/geotile-pipeline/internal/queue/memory"
	"github.com/JakeFAU/geotile-pipeline/internal/worker"
)

func newTilesCmd(c *cli) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "tiles",
		Short: "Fetch, mosaic and store the tile grid of the configured area of interest",
		Long: `Builds the tile grid over aoi.polygon, fetches every covering scene through
the fetch strategy chain, masks, scales and mosaics them, and writes one tile per
grid cell to the configured storage backend. Tiles recorded in the checkpoint
store by an earlier run of the same area are skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTiles(cmd, c, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "expose the status API while the run is in progress")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "print a progress line to stderr")
	return cmd
}

func runTiles(cmd *cobra.Command, c *cli, opts runOptions) error {
	a := c.app
	cfg := a.Config
	logger := a.Logger.Named("tiles")

	if err := cfg.ValidateTiles(); err != nil {
		return err
	}
	aoi := cfg.AreaOfInterest()
	tiles, err := grid.Build(aoi, cfg.GridOptions())
	if err != nil {
		return fmt.Errorf("build tile grid: %w", err)
	}
	runKey, err := grid.Fingerprint(aoi, cfg.GridOptions())
	if err != nil {
		return fmt.Errorf("fingerprint aoi: %w", err)
	}
	registry, err := loadProfiles(cfg.Processing.ProfilesFile)
	if err != nil {
		return err
	}
	processor, err := processing.New(registry, aoi.Sensor, logger.Named("processing"))
	if err != nil {
		return fmt.Errorf("init processing: %w", err)
	}
	chain, stopChain, err := buildChain(cfg, logger)
	if err != nil {
		return err
	}
	defer stopChain()

	jobs := worker.TileJobs(tiles, cfg.Scenes)
	logger.Info("tile grid ready",
		zap.Int("tiles", len(tiles)),
		zap.Strings("strategies", chain.Names()),
		zap.String("run_key", runKey),
	)

	sess, err := startSession(cmd.Context(), a, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	pool, err := worker.New(worker.Deps{
		Queue:      queuememory.NewQueue(len(jobs)),
		Fetcher:    chain,
		Progress:   sess.agg,
		Processor:  processor,
		Writer:     a.Tiles,
		Publisher:  a.Publisher,
		Checkpoint: a.Checkpoint,
	}, worker.Config{
		Concurrency:   cfg.Run.Concurrency,
		MaxRequeues:   cfg.Run.MaxRequeues,
		ShutdownGrace: cfg.Run.ShutdownGrace,
		RunID:         sess.id.String(),
		RunKey:        runKey,
		Topic:         cfg.PubSub.TopicName,
	}, logger.Named("worker"))
	if err != nil {
		sess.close(cmd.Context())
		return fmt.Errorf("init worker pool: %w", err)
	}

	term, runErr := pool.Run(cmd.Context(), jobs)
	sess.close(cmd.Context())
	if runErr != nil {
		return fmt.Errorf("run tiles: %w", runErr)
	}
	return printTerminal(cmd, sess.id.String(), term)
}

func loadProfiles(path string) (*processing.Registry, error) {
	if path == "" {
		return processing.DefaultRegistry(), nil
	}
	// #nosec G304 -- profile path comes from operator configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sensor profiles: %w", err)
	}
	defer f.Close()
	registry, err := processing.LoadProfiles(f)
	if err != nil {
		return nil, fmt.Errorf("load sensor profiles %s: %w", path, err)
	}
	return registry, nil
}

func printTerminal(cmd *cobra.Command, runID string, term any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"run_id": runID, "result": term}); err != nil {
		return fmt.Errorf("print run summary: %w", err)
	}
	return nil
}
