package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DeafMist/register-radar/internal/config"
	"github.com/DeafMist/register-radar/internal/logger"
	"github.com/DeafMist/register-radar/internal/metrics"
	"github.com/DeafMist/register-radar/internal/snapshot"
)

func main() {
	log := logger.New("retention")
	cfg, err := config.LoadRetention()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	metricsServer := serveMetrics(log, cfg.MetricsAddr)
	defer shutdownMetrics(log, metricsServer)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	log.Info("retention job running",
		slog.String("dir", cfg.SnapshotDir),
		slog.Duration("interval", cfg.Interval),
		slog.Duration("max_age", cfg.SnapshotRetention),
	)

	runOnce(log, cfg, time.Now())

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			return
		case now := <-ticker.C:
			runOnce(log, cfg, now)
		}
	}
}

func runOnce(log *slog.Logger, cfg *config.Retention, now time.Time) int {
	deleted, err := snapshot.Sweep(cfg.SnapshotDir, cfg.SnapshotRetention, now, log)
	if err != nil {
		log.Warn("retention run failed (will retry on next interval)", slog.Any("err", err))
		return 0
	}
	metrics.SnapshotsDeleted.Add(float64(deleted))

	if deleted > 0 {
		log.Info("retention run completed", slog.Int("deleted", deleted))
	} else {
		log.Debug("retention run completed, no old snapshots found")
	}
	return deleted
}

func serveMetrics(log *slog.Logger, addr string) *http.Server {
	srv := metrics.NewServer(addr, metrics.NewRegistry())
	go func() {
		log.Info("metrics server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", slog.Any("err", err))
		}
	}()
	return srv
}

func shutdownMetrics(log *slog.Logger, srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("metrics server shutdown", slog.Any("err", err))
	}
}
