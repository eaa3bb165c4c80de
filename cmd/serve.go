package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/placegrid/harvester/internal/api"
	"github.com/placegrid/harvester/internal/config"
	"github.com/placegrid/harvester/internal/logging"
	"github.com/placegrid/harvester/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the harvester API server and worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, "harvester")
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			zap.ReplaceGlobals(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tracerProvider, err := telemetry.InitTracerProvider(ctx, "harvester")
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
					logger.Warn("tracer shutdown failed", zap.Error(err))
				}
			}()

			svc, err := buildServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.close()

			apiCfg := api.Config{RequestTimeout: cfg.RequestTimeout()}
			if cfg.Auth.Enabled {
				apiCfg.APIKey = cfg.Auth.APIKey
			}
			server := api.NewServer(svc.manager, svc.ready, apiCfg, logger.Named("api"))

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           server.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				logger.Info("worker pool started", zap.Int("workers", cfg.Harvest.Concurrency))
				svc.pool.Run(ctx)
			}()

			go func() {
				logger.Info("http server started", zap.Int("port", cfg.Server.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", zap.Error(err))
					stop()
				}
			}()

			<-ctx.Done()
			logger.Info("shutdown initiated")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", zap.Error(err))
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}
