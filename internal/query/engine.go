// Package query validates chat queries and runs them against the document store.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/DeafMist/register-radar/internal/metrics"
	"github.com/DeafMist/register-radar/internal/models"
	"github.com/DeafMist/register-radar/internal/store"
)

// ValidationError reports unusable query input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

const executiveOrder = "Executive Order"

var (
	recencyCue = regexp.MustCompile(`(?i)\b(recent|recently|new|newest|latest)\b`)
	orderCue   = regexp.MustCompile(`(?i)\bexecutive\s+orders?\b`)
)

// Options tune the engine. WindowDays is the default lookback when a request
// carries no dates.
type Options struct {
	WindowDays       int
	RecencyHeuristic bool
	TypeCues         bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Request is one query with optional inclusive YYYY-MM-DD bounds.
type Request struct {
	Query string
	Start string
	End   string
}

// Engine answers queries from a store.
type Engine struct {
	store store.Store
	opts  Options
	log   *slog.Logger
}

func NewEngine(st store.Store, opts Options, logger *slog.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = 30
	}
	return &Engine{store: st, opts: opts, log: logger}
}

// Filters validates req and resolves it into store filters.
func (e *Engine) Filters(req Request) (store.Filters, error) {
	if strings.TrimSpace(req.Query) == "" {
		return store.Filters{}, invalid("empty query")
	}

	parsed := ParseQuery(req.Query)
	f := store.Filters{Text: parsed.Text, Type: parsed.Type}

	if e.opts.TypeCues && !parsed.HasType && orderCue.MatchString(parsed.Text) {
		f.Type = executiveOrder
	}

	today := e.opts.Now()
	start, end, err := e.bounds(req, today)
	if err != nil {
		return store.Filters{}, err
	}

	// Recency cues only widen the default window; explicit dates always win.
	if e.opts.RecencyHeuristic && req.Start == "" && req.End == "" && recencyCue.MatchString(parsed.Text) {
		yearStart := time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, today.Location())
		if yearStart.Before(start) {
			start = yearStart
		}
	}

	f.Start = start.Format(models.DateLayout)
	f.End = end.Format(models.DateLayout)
	return f, nil
}

func (e *Engine) bounds(req Request, today time.Time) (time.Time, time.Time, error) {
	end := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())
	if req.End != "" {
		parsed, err := time.ParseInLocation(models.DateLayout, strings.TrimSpace(req.End), today.Location())
		if err != nil {
			return time.Time{}, time.Time{}, invalid("invalid end_date %q: expected YYYY-MM-DD", req.End)
		}
		end = parsed
	}

	start := end.AddDate(0, 0, -e.opts.WindowDays)
	if req.Start != "" {
		parsed, err := time.ParseInLocation(models.DateLayout, strings.TrimSpace(req.Start), today.Location())
		if err != nil {
			return time.Time{}, time.Time{}, invalid("invalid start_date %q: expected YYYY-MM-DD", req.Start)
		}
		start = parsed
	}

	if start.After(end) {
		return time.Time{}, time.Time{}, invalid("start_date %s is after end_date %s",
			start.Format(models.DateLayout), end.Format(models.DateLayout))
	}
	return start, end, nil
}

// Answer returns the documents matching req. Only *ValidationError is
// returned; storage failures are logged and produce an empty result.
func (e *Engine) Answer(ctx context.Context, req Request) ([]models.Document, error) {
	f, err := e.Filters(req)
	if err != nil {
		metrics.Queries.WithLabelValues("invalid").Inc()
		return nil, err
	}

	docs, err := e.store.Query(ctx, f)
	if err != nil {
		metrics.Queries.WithLabelValues("storage_error").Inc()
		var se *store.StorageError
		if errors.As(err, &se) {
			e.log.Error("store query failed", slog.String("op", se.Op), slog.String("text", f.Text),
				slog.String("start", f.Start), slog.String("end", f.End), slog.Any("err", se.Err))
		} else {
			e.log.Error("store query failed", slog.String("text", f.Text), slog.Any("err", err))
		}
		return []models.Document{}, nil
	}

	metrics.Queries.WithLabelValues("ok").Inc()
	e.log.Debug("query answered",
		slog.String("text", f.Text),
		slog.String("type", f.Type),
		slog.String("start", f.Start),
		slog.String("end", f.End),
		slog.Int("results", len(docs)),
	)
	return docs, nil
}
