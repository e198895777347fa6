// Package cmd defines and implements the CLI commands of the geotile executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/app"
	"github.com/JakeFAU/geotile-pipeline/internal/config"
	"github.com/JakeFAU/geotile-pipeline/internal/logging"
)

// cli carries state shared by the root command and its subcommands.
type cli struct {
	cfgPath string
	app     *app.App
}

// newRootCmd creates the root command. Services are built in
// PersistentPreRunE so every subcommand sees a validated config.
func newRootCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geotile",
		Short: "Satellite tile acquisition and dataset classification pipeline.",
		Long: `geotile cuts an area of interest into a tile grid, fetches and mosaics the
covering scenes through an escalating fetch strategy chain, and labels crawled
dataset pages with a multi-method classification ensemble.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize pipeline services: %w", err)
			}
			c.app = a
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgPath, "config", "",
		"config file (default is geotile.yaml in ., /etc/geotile or $HOME/.geotile)")

	cmd.AddCommand(newTilesCmd(c))
	cmd.AddCommand(newClassifyCmd(c))
	cmd.AddCommand(newServeCmd(c))
	return cmd
}

func (c *cli) close(ctx context.Context) {
	if c.app != nil {
		c.app.Close(ctx)
		c.app = nil
	}
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{}
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	c.close(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "geotile: %v\n", err)
		return 1
	}
	return 0
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the running
// command, which drains in-flight work before exiting.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
