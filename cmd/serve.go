package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/api"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history, health and metrics over HTTP",
		Long: `Starts the status API over the run store: /healthz, /readyz, /metrics and
/v1/runs/{run_id}. Run history outlives the process only when db.dsn points at
Postgres. The server drains on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), c, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :server.port)")
	return cmd
}

func runServe(ctx context.Context, c *cli, addr string) error {
	a := c.app
	logger := a.Logger.Named("serve")
	if addr == "" {
		addr = fmt.Sprintf(":%d", a.Config.Server.Port)
	}
	if a.DB == nil {
		logger.Warn("db.dsn is not set; serving an empty in-memory run store")
	}

	srv := &http.Server{
		Addr: addr,
		Handler: api.NewServer(api.Options{
			Runs:   a.Runs,
			APIKey: a.Config.Server.APIKey,
			Logger: logger,
		}).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
