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

	"github.com/DeafMist/register-radar/internal/app"
	"github.com/DeafMist/register-radar/internal/config"
	"github.com/DeafMist/register-radar/internal/ingest"
	"github.com/DeafMist/register-radar/internal/logger"
	"github.com/DeafMist/register-radar/internal/metrics"
)

func main() {
	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, err := app.OpenStore(ctx, cfg.Common, log)
	if err != nil {
		log.Error("open store", slog.Any("err", err))
		os.Exit(1)
	}
	defer st.Close()

	engine := app.NewEngine(st, cfg.Query, log)
	chatSvc, err := app.NewChat(engine, cfg.Summary, log)
	if err != nil {
		log.Error("init chat", slog.Any("err", err))
		os.Exit(1)
	}
	runner := app.NewRunner(ctx, cfg.Common, cfg.Ingest, st, log)

	reg := metrics.NewRegistry()

	srv := &server{
		log:      log,
		ctx:      ctx,
		chat:     chatSvc,
		engine:   engine,
		ingest:   runner,
		store:    st,
		gatherer: reg,
	}

	if cfg.IngestOnStart {
		if done, err := runner.Start(ctx, ingest.Request{}); err == nil {
			go func() {
				rep := <-done
				log.Info("startup ingest finished",
					slog.String("run_id", rep.RunID),
					slog.String("source", rep.Source),
					slog.Int("stored", rep.Stored),
				)
			}()
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.Summary.Timeout + 15*time.Second,
	}

	go func() {
		log.Info("api server starting", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
}
