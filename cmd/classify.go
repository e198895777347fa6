package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/app"
	"github.com/JakeFAU/geotile-pipeline/internal/classify"
	"github.com/JakeFAU/geotile-pipeline/internal/clock/system"
	"github.com/JakeFAU/geotile-pipeline/internal/export"
	"github.com/JakeFAU/geotile-pipeline/internal/policy/simple"
	queuememory "github.com/JakeFAU/geotile-pipeline/internal/queue/memory"
	"github.com/JakeFAU/geotile-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/geotile-pipeline/internal/worker"
)

func newClassifyCmd(c *cli) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Crawl dataset pages and label their satellite, sensor and resolution",
		Long: `Fetches every URL under pages through the fetch strategy chain, extracts the
page text and runs the classification ensemble over it. Results go to the JSONL
and SQLite exports and, when db.dsn is set, to Postgres.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runClassify(cmd, c, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "expose the status API while the run is in progress")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "print a progress line to stderr")
	return cmd
}

func runClassify(cmd *cobra.Command, c *cli, opts runOptions) error {
	a := c.app
	cfg := a.Config
	logger := a.Logger.Named("classify")

	if err := cfg.ValidatePages(); err != nil {
		return err
	}
	jobs := worker.PageJobs(cfg.Pages)
	ensemble := classify.NewDefault(classify.Config{
		Weights:          cfg.Classify.Weights,
		MinSimilarity:    cfg.Classify.MinSimilarity,
		LexicalThreshold: cfg.Classify.LexicalThreshold,
	}, system.New(), logger.Named("ensemble"))

	chain, stopChain, err := buildChain(cfg, logger)
	if err != nil {
		return err
	}
	defer stopChain()

	sess, err := startSession(cmd.Context(), a, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	results, closeResults, err := openResultSinks(cmd.Context(), a, sess.id.String())
	if err != nil {
		sess.close(cmd.Context())
		return err
	}
	defer closeResults()

	logger.Info("classifying pages", zap.Int("pages", len(jobs)), zap.Strings("strategies", chain.Names()))
	pool, err := worker.New(worker.Deps{
		Queue:      queuememory.NewQueue(len(jobs)),
		Fetcher:    chain,
		Progress:   sess.agg,
		Classifier: ensemble,
		Results:    results,
		Publisher:  a.Publisher,
		Policy:     simple.New(cfg.Policy),
	}, worker.Config{
		Concurrency:   cfg.Run.Concurrency,
		MaxRequeues:   cfg.Run.MaxRequeues,
		ShutdownGrace: cfg.Run.ShutdownGrace,
		RunID:         sess.id.String(),
		Topic:         cfg.PubSub.TopicName,
	}, logger.Named("worker"))
	if err != nil {
		sess.close(cmd.Context())
		return fmt.Errorf("init worker pool: %w", err)
	}

	term, runErr := pool.Run(cmd.Context(), jobs)
	sess.close(cmd.Context())
	if runErr != nil {
		return fmt.Errorf("run classify: %w", runErr)
	}
	return printTerminal(cmd, sess.id.String(), term)
}

// openResultSinks opens every configured export. The returned func closes
// them and logs failures.
func openResultSinks(ctx context.Context, a *app.App, runID string) (export.Fanout, func(), error) {
	var (
		sinks   export.Fanout
		closers []func() error
	)
	closeAll := func() {
		for _, fn := range closers {
			if err := fn(); err != nil {
				a.Logger.Warn("close result export failed", zap.Error(err))
			}
		}
	}
	if path := a.Config.Export.JSONL; path != "" {
		w, err := export.CreateJSONL(path)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, w)
		closers = append(closers, w.Close)
	}
	if path := a.Config.Export.SQLite; path != "" {
		w, err := export.OpenSQLite(ctx, path)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, w)
		closers = append(closers, w.Close)
	}
	if a.DB != nil {
		rs, err := postgres.NewResultStore(a.DB, runID)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("init result store: %w", err)
		}
		sinks = append(sinks, rs)
	}
	if len(sinks) == 0 {
		a.Logger.Warn("no classification export configured; results are only logged and published")
	}
	return sinks, closeAll, nil
}
