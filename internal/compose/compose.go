// Package compose renders matched documents as the chat answer text.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/DeafMist/register-radar/internal/metrics"
	"github.com/DeafMist/register-radar/internal/models"
	"github.com/DeafMist/register-radar/internal/summarize"
)

const (
	NoDocuments     = "No documents found."
	listingHeader   = "Found documents:\n"
	noAbstract      = "No abstract available."
	TooShortNotice  = "Note: text too short to summarize."
	APIErrorNotice  = "Note: unable to generate summary due to API error."
	summaryPrefix   = "Summary: "
	previewEllipsis = "..."
)

// Options configures the summary gate and the listing.
type Options struct {
	MinChars     int
	PreviewChars int
	Timeout      time.Duration
}

// Composer builds answers. The summarizer is called at most once per answer,
// over all non-empty abstracts joined by a space.
type Composer struct {
	summarizer summarize.Summarizer
	opts       Options
	log        *slog.Logger
}

func New(s summarize.Summarizer, opts Options, logger *slog.Logger) *Composer {
	if opts.PreviewChars <= 0 {
		opts.PreviewChars = 200
	}
	return &Composer{summarizer: s, opts: opts, log: logger}
}

// Compose never fails; a summarizer error degrades to a notice.
func (c *Composer) Compose(ctx context.Context, docs []models.Document) string {
	if len(docs) == 0 {
		return NoDocuments
	}

	var b strings.Builder
	b.WriteString(listingHeader)

	abstracts := make([]string, 0, len(docs))
	for _, d := range docs {
		fmt.Fprintf(&b, "- %s (%s, %s): %s\n", d.Title, d.PublicationDate, d.Type, c.preview(d.Abstract))
		if a := strings.TrimSpace(d.Abstract); a != "" {
			abstracts = append(abstracts, a)
		}
	}

	b.WriteString("\n")
	b.WriteString(c.summary(ctx, strings.Join(abstracts, " ")))
	return b.String()
}

func (c *Composer) preview(abstract string) string {
	abstract = strings.TrimSpace(abstract)
	if abstract == "" {
		return noAbstract
	}
	if utf8.RuneCountInString(abstract) <= c.opts.PreviewChars {
		return abstract
	}
	runes := []rune(abstract)
	return string(runes[:c.opts.PreviewChars]) + previewEllipsis
}

func (c *Composer) summary(ctx context.Context, combined string) string {
	length := utf8.RuneCountInString(combined)
	if length < c.opts.MinChars {
		metrics.Summaries.WithLabelValues("skipped").Inc()
		c.log.Debug("skipping summary", slog.Int("chars", length), slog.Int("min_chars", c.opts.MinChars))
		return TooShortNotice
	}

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	out, err := c.summarizer.Summarize(ctx, combined, summarize.LengthShort)
	if err != nil {
		metrics.Summaries.WithLabelValues("error").Inc()
		var rse *summarize.RemoteServiceError
		if errors.As(err, &rse) {
			c.log.Warn("summary failed", slog.String("backend", rse.Backend), slog.Int("status", rse.Status),
				slog.Int("chars", length), slog.Any("err", rse.Err))
		} else {
			c.log.Warn("summary failed", slog.Int("chars", length), slog.Any("err", err))
		}
		return APIErrorNotice
	}

	metrics.Summaries.WithLabelValues("ok").Inc()
	return summaryPrefix + out
}
