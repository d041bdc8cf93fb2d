package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/authzd/internal/httpapi"
	"github.com/terraconstructs/authzd/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authzd server",
	Long:  `Starts the resource/role loaders, the permissions resolver, the UserRolesSyncer, and the authorize/roles HTTP surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger(cfg)

		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability)
		if err != nil {
			return fmt.Errorf("initialize telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(shutdownCtx)
		}()

		comps, err := build(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("wire components: %w", err)
		}
		defer comps.stop()

		comps.syncer.SetInService(true)
		if cfg.Sync.Enabled {
			comps.syncer.Start(ctx)
		}

		router := httpapi.NewRouter(httpapi.RouterOptions{
			Repository:     comps.repo,
			Resolver:       comps.resolver,
			Writer:         comps.repo,
			Logger:         logger,
			ListAllEnabled: cfg.ListAllEnabled,
		})

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("starting server", "addr", cfg.ServerAddr)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)
		case sig := <-shutdown:
			logger.Info("received signal, shutting down", "signal", sig)

			comps.syncer.SetInService(false)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}

			logger.Info("server stopped")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
