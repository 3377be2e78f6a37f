// Package summarize talks to the remote text summarization services.
//
// Every failure a backend can hit (auth, rate limit, bad input, timeout,
// undecodable reply) is reported as *RemoteServiceError so callers only need
// one fallback path.
package summarize

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/DeafMist/register-radar/internal/cache"
	"github.com/DeafMist/register-radar/internal/config"
)

// Length hints how long the summary should be.
type Length string

const (
	LengthShort  Length = "short"
	LengthMedium Length = "medium"
	LengthLong   Length = "long"
)

// Summarizer turns text into a summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string, length Length) (string, error)
}

// RemoteServiceError is the single failure kind of a summarizer.
type RemoteServiceError struct {
	Backend string
	Status  int
	Err     error
}

func (e *RemoteServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("summarize via %s: status %d: %v", e.Backend, e.Status, e.Err)
	}
	return fmt.Sprintf("summarize via %s: %v", e.Backend, e.Err)
}

func (e *RemoteServiceError) Unwrap() error { return e.Err }

// Disabled always fails. It stands in when no backend is configured.
type Disabled struct {
	Reason string
}

func (d Disabled) Summarize(context.Context, string, Length) (string, error) {
	return "", &RemoteServiceError{Backend: config.SummarizerNone, Err: fmt.Errorf("summarization disabled: %s", d.Reason)}
}

// New builds the configured backend wrapped with rate limiting and caching.
func New(cfg config.Summary, logger *slog.Logger) (Summarizer, error) {
	var base Summarizer

	switch cfg.Backend {
	case config.SummarizerCohere:
		if cfg.CohereAPIKey == "" {
			logger.Warn("COHERE_API_KEY is empty, summaries are disabled")
			return Disabled{Reason: "no cohere credential"}, nil
		}
		base = NewCohere(cfg.CohereBaseURL, cfg.CohereAPIKey, cfg.Timeout)
	case config.SummarizerOpenAI:
		o, err := NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if err != nil {
			return nil, err
		}
		base = o
	case config.SummarizerNone:
		return Disabled{Reason: "SUMMARIZER=none"}, nil
	default:
		return nil, fmt.Errorf("unknown summarizer %q", cfg.Backend)
	}

	limited := NewLimited(base, rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst))
	return NewCached(limited, cache.New(cfg.CacheCapacity, cfg.CacheTTL)), nil
}
