package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillbridge/tillbridge/internal/config"
	"github.com/tillbridge/tillbridge/internal/server"
	"github.com/tillbridge/tillbridge/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge server",
	Long: `Run the bridge server in the foreground.

The server listens for terminal sessions on /socket (WebSocket) and /poll
(HTTP long-polling), and exposes /health and /readyz for probes. All
configuration comes from the environment; see 'tillbridged check-config'
for the resolved values.

The process exits 0 on a clean shutdown (SIGINT/SIGTERM) and non-zero if
startup fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		log := newLogger(cfg)
		log.WithFields(map[string]interface{}{
			"version": Version,
			"build":   Build,
			"addr":    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		}).Info("starting tillbridged")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := telemetry.Init(ctx, "tillbridged", Version); err != nil {
			log.WithError(err).Warn("telemetry disabled")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(shutdownCtx)
		}()

		srv, err := server.New(cfg, log, Version)
		if err != nil {
			return fmt.Errorf("initializing server: %w", err)
		}

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("server: %w", err)
		}

		log.Info("tillbridged stopped")
		return nil
	},
}
