// Package ingest refreshes the document store from the Federal Register.
//
// A run fetches one window of documents, substitutes the built-in dataset when
// the feed fails or comes back empty, snapshots the raw and normalized batches,
// upserts into the store and sweeps expired snapshots. Every step after the
// fetch decision is best effort: a failure is logged and recorded on the
// Report, and the run carries on. Run never returns an error.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DeafMist/register-radar/internal/metrics"
	"github.com/DeafMist/register-radar/internal/models"
	"github.com/DeafMist/register-radar/internal/processing"
	"github.com/DeafMist/register-radar/internal/snapshot"
	"github.com/DeafMist/register-radar/internal/source"
	"github.com/DeafMist/register-radar/internal/store"
)

const (
	SourceRemote   = "remote"
	SourceFallback = "fallback"
)

// Options carries the run defaults taken from configuration.
type Options struct {
	StartDate    string
	DocumentType string
	PageSize     int
	Retention    time.Duration
	RunTimeout   time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Request overrides the configured window for a single run. Empty fields keep
// the defaults.
type Request struct {
	Start string `json:"start_date,omitempty"`
	End   string `json:"end_date,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Validate trims the fields and checks that the dates are YYYY-MM-DD with
// start not after end.
func (r *Request) Validate() error {
	r.Start = strings.TrimSpace(r.Start)
	r.End = strings.TrimSpace(r.End)
	r.Type = strings.TrimSpace(r.Type)

	var (
		start, end time.Time
		err        error
	)
	if r.Start != "" {
		if start, err = time.Parse(models.DateLayout, r.Start); err != nil {
			return fmt.Errorf("invalid start_date %q", r.Start)
		}
	}
	if r.End != "" {
		if end, err = time.Parse(models.DateLayout, r.End); err != nil {
			return fmt.Errorf("invalid end_date %q", r.End)
		}
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return errors.New("start_date is after end_date")
	}
	return nil
}

// Report summarizes a finished run.
type Report struct {
	RunID          string
	Source         string
	FallbackReason string
	Window         source.Window
	Fetched        int
	Skipped        int
	Stored         int
	Total          int
	Swept          int
	Duration       time.Duration
	Err            error
}

// Pipeline performs ingest runs.
type Pipeline struct {
	source    source.Fetcher
	store     store.Store
	snapshots *snapshot.Writer
	opts      Options
	log       *slog.Logger
}

// NewPipeline wires a pipeline.
func NewPipeline(src source.Fetcher, st store.Store, snaps *snapshot.Writer, opts Options, logger *slog.Logger) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		source:    src,
		store:     st,
		snapshots: snaps,
		opts:      opts,
		log:       logger,
	}
}

// Run performs one ingest run.
func (p *Pipeline) Run(ctx context.Context, req Request) (rep Report) {
	started := p.opts.Now()
	rep.RunID = uuid.NewString()
	log := p.log.With(slog.String("run_id", rep.RunID))

	defer func() {
		if r := recover(); r != nil {
			rep.Err = fmt.Errorf("ingest panic: %v", r)
			log.Error("ingest run aborted", slog.Any("err", rep.Err))
		}
		rep.Duration = p.opts.Now().Sub(started)

		outcome := "ok"
		if rep.Err != nil {
			outcome = "error"
		}
		metrics.IngestRuns.WithLabelValues(outcome).Inc()
		log.Info("ingest run finished",
			slog.String("source", rep.Source),
			slog.Int("fetched", rep.Fetched),
			slog.Int("stored", rep.Stored),
			slog.Int("swept", rep.Swept),
			slog.Duration("duration", rep.Duration),
			slog.Bool("failed", rep.Err != nil),
		)
	}()

	if p.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.RunTimeout)
		defer cancel()
	}

	rep.Window = p.window(req, started)
	log.Info("ingest run started",
		slog.String("start", rep.Window.Start),
		slog.String("end", rep.Window.End),
		slog.String("type", rep.Window.Type),
	)

	batch, err := p.fetch(ctx, rep.Window, &rep, log)
	if err != nil {
		rep.Err = err
		log.Error("no documents to ingest", slog.Any("err", err))
		return rep
	}
	rep.Fetched = len(batch.Records)

	if _, err := p.snapshots.Write(ctx, snapshot.KindRaw, started, batch.Payload); err != nil {
		log.Warn("raw snapshot not written", slog.Any("err", err))
	}

	docs, skipped := processing.NormalizeAll(batch.Records)
	rep.Skipped = skipped
	if skipped > 0 {
		log.Warn("skipped records without document_number", slog.Int("count", skipped))
	}

	p.writeProcessed(ctx, started, docs, log)

	stored, err := p.store.Upsert(ctx, docs)
	rep.Stored = stored
	metrics.DocumentsStored.Add(float64(stored))
	if err != nil {
		rep.Err = err
		log.Error("upsert failed", slog.Int("stored", stored), slog.Any("err", err))
	} else {
		total, cerr := p.store.Count(ctx)
		if cerr != nil {
			log.Warn("count failed", slog.Any("err", cerr))
		}
		rep.Total = total
		log.Info("stored documents", slog.Int("stored", stored), slog.Int("total", total))
	}

	swept, err := snapshot.Sweep(p.snapshots.Dir(), p.opts.Retention, p.opts.Now(), log)
	rep.Swept = swept
	metrics.SnapshotsDeleted.Add(float64(swept))
	if err != nil {
		log.Warn("snapshot sweep failed", slog.Any("err", err))
	}

	return rep
}

func (p *Pipeline) window(req Request, now time.Time) source.Window {
	w := source.Window{
		Start:    p.opts.StartDate,
		End:      now.Format(models.DateLayout),
		Type:     p.opts.DocumentType,
		PageSize: p.opts.PageSize,
	}
	if req.Start != "" {
		w.Start = req.Start
	}
	if req.End != "" {
		w.End = req.End
	}
	if req.Type != "" {
		w.Type = req.Type
	}
	return w
}

// fetch returns the feed batch, or the fallback dataset when the feed errors
// or has nothing for the window.
func (p *Pipeline) fetch(ctx context.Context, w source.Window, rep *Report, log *slog.Logger) (*source.Batch, error) {
	batch, err := p.source.Fetch(ctx, w)
	switch {
	case err != nil:
		rep.FallbackReason = ReasonFetchError
		log.Warn("document feed failed, using fallback dataset", slog.String("reason", ReasonFetchError), slog.Any("err", err))
	case batch == nil || len(batch.Records) == 0:
		rep.FallbackReason = ReasonEmptyResult
		log.Warn("document feed returned no results, using fallback dataset", slog.String("reason", ReasonEmptyResult))
	default:
		rep.Source = SourceRemote
		return batch, nil
	}

	rep.Source = SourceFallback
	metrics.IngestFallbacks.WithLabelValues(rep.FallbackReason).Inc()
	return FallbackBatch()
}

func (p *Pipeline) writeProcessed(ctx context.Context, ts time.Time, docs []models.Document, log *slog.Logger) {
	payload, err := json.Marshal(docs)
	if err != nil {
		log.Warn("processed snapshot not encoded", slog.Any("err", err))
		return
	}
	if _, err := p.snapshots.Write(ctx, snapshot.KindProcessed, ts, payload); err != nil {
		log.Warn("processed snapshot not written", slog.Any("err", err))
	}
}
