package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/state"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the runtime and serve the ops endpoints",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	if err := rt.start(ctx); err != nil {
		rt.close()
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Metrics.Listen,
		Handler:      newOpsRouter(rt.orch, rt.collector, rt.conns, rt.registry, logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Ops server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server failed", zap.Error(err))
		}
	}()

	if cfg.Storage.RetentionDays > 0 {
		go cleanupLoop(ctx, rt.states, cfg.Storage.RetentionDays, cfg.Storage.CleanupInterval, logger)
	}

	logger.Info("Runtime started", zap.String("app", cfg.App.Name))
	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to shut down ops server", zap.Error(err))
	}
	if err := rt.stop(shutdownCtx); err != nil {
		logger.Error("Runtime stopped with errors", zap.Error(err))
		return err
	}

	logger.Info("Runtime shut down gracefully")
	return nil
}

// cleanupLoop deletes action history older than the retention window
func cleanupLoop(ctx context.Context, states *state.Manager, days int, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := states.CleanupOldActions(ctx, days)
			if err != nil {
				logger.Error("Failed to clean up action history", zap.Error(err))
				continue
			}
			logger.Info("Cleaned up action history",
				zap.Int64("deleted", deleted),
				zap.Int("retention_days", days))
		}
	}
}
