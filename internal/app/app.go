// Package app builds the components shared by the api, worker, retention and
// regctl binaries from their configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DeafMist/register-radar/internal/chat"
	"github.com/DeafMist/register-radar/internal/compose"
	"github.com/DeafMist/register-radar/internal/config"
	"github.com/DeafMist/register-radar/internal/elasticsearch"
	"github.com/DeafMist/register-radar/internal/ingest"
	"github.com/DeafMist/register-radar/internal/objectstore"
	"github.com/DeafMist/register-radar/internal/query"
	"github.com/DeafMist/register-radar/internal/snapshot"
	"github.com/DeafMist/register-radar/internal/source"
	"github.com/DeafMist/register-radar/internal/store"
	"github.com/DeafMist/register-radar/internal/store/sqlite"
	"github.com/DeafMist/register-radar/internal/summarize"
)

const (
	connectAttempts = 10
	maxRetryDelay   = 30 * time.Second
	leaseSlack      = time.Minute
)

// OpenStore opens the configured backend. Elasticsearch is retried with
// exponential backoff until it answers a ping or ctx ends.
func OpenStore(ctx context.Context, cfg config.Common, log *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		st, err := sqlite.Open(cfg.SQLitePath, log)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info("opened sqlite store", slog.String("path", cfg.SQLitePath))
		return st, nil
	case config.BackendElasticsearch:
		es, err := connectElasticsearch(ctx, cfg, log, 2*time.Second)
		if err != nil {
			return nil, err
		}
		return es, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func connectElasticsearch(ctx context.Context, cfg config.Common, log *slog.Logger, retryDelay time.Duration) (*elasticsearch.Client, error) {
	es, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = es.Ping(pingCtx)
		cancel()
		if err == nil {
			break
		}
		if attempt == connectAttempts {
			return nil, fmt.Errorf("connect to elasticsearch after %d attempts: %w", attempt, err)
		}

		log.Warn("elasticsearch ping failed, retrying",
			slog.Any("err", err),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", connectAttempts),
			slog.Duration("retry_in", retryDelay),
		)
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}

	if err := es.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	log.Info("connected to elasticsearch", slog.String("index", cfg.ElasticsearchIndex))
	return es, nil
}

// NewSnapshotWriter returns the snapshot writer, mirroring to object storage
// when configured. A mirror that cannot be reached is logged and skipped.
func NewSnapshotWriter(ctx context.Context, cfg config.Common, log *slog.Logger) *snapshot.Writer {
	var mirror snapshot.Mirror
	if cfg.Mirror.Enabled() {
		m, err := objectstore.NewMinIO(ctx, cfg.Mirror)
		if err != nil {
			log.Warn("snapshot mirror disabled", slog.String("endpoint", cfg.Mirror.Endpoint), slog.Any("err", err))
		} else {
			mirror = m
			log.Info("mirroring snapshots", slog.String("endpoint", cfg.Mirror.Endpoint), slog.String("bucket", cfg.Mirror.Bucket))
		}
	}
	return snapshot.NewWriter(cfg.SnapshotDir, mirror, log)
}

// NewRunner wires the ingest pipeline behind a serializing runner. Backends
// that offer a store lock also serialize runs across processes; the lease
// outlives a run's timeout by leaseSlack so only a crashed holder expires.
func NewRunner(ctx context.Context, common config.Common, cfg config.Ingest, st store.Store, log *slog.Logger) *ingest.Runner {
	src := source.NewClient(cfg.SourceBaseURL, cfg.SourceTimeout, log)
	p := ingest.NewPipeline(src, st, NewSnapshotWriter(ctx, common, log), ingest.Options{
		StartDate:    cfg.StartDate,
		DocumentType: cfg.DocumentType,
		PageSize:     cfg.PageSize,
		Retention:    common.SnapshotRetention,
		RunTimeout:   cfg.RunTimeout,
	}, log)

	opts := ingest.RunnerOptions{Logger: log}
	if locker, ok := st.(store.Locker); ok {
		opts.Lease = locker
		opts.LeaseTTL = cfg.RunTimeout + leaseSlack
	}
	return ingest.NewRunner(p, opts)
}

// NewEngine builds the query engine.
func NewEngine(st store.Store, cfg config.Query, log *slog.Logger) *query.Engine {
	return query.NewEngine(st, query.Options{
		WindowDays:       cfg.WindowDays,
		RecencyHeuristic: cfg.RecencyHeuristic,
		TypeCues:         cfg.TypeCues,
	}, log)
}

// NewChat builds the chat service on top of engine.
func NewChat(engine *query.Engine, cfg config.Summary, log *slog.Logger) (*chat.Service, error) {
	s, err := summarize.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("init summarizer: %w", err)
	}
	composer := compose.New(s, compose.Options{
		MinChars:     cfg.MinChars,
		PreviewChars: cfg.PreviewChars,
		Timeout:      cfg.Timeout,
	}, log)
	return chat.NewService(engine, composer, log), nil
}
