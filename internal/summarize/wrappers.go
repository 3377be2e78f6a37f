package summarize

import (
	"context"
	"crypto/sha1"
	"encoding/hex"

	"golang.org/x/time/rate"

	"github.com/DeafMist/register-radar/internal/cache"
)

// Limited paces calls to the wrapped summarizer.
type Limited struct {
	next    Summarizer
	limiter *rate.Limiter
}

func NewLimited(next Summarizer, limiter *rate.Limiter) *Limited {
	return &Limited{next: next, limiter: limiter}
}

func (l *Limited) Summarize(ctx context.Context, text string, length Length) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", &RemoteServiceError{Backend: "limiter", Err: err}
	}
	return l.next.Summarize(ctx, text, length)
}

// Cached remembers successful summaries.
type Cached struct {
	next  Summarizer
	cache *cache.Cache
}

func NewCached(next Summarizer, c *cache.Cache) *Cached {
	return &Cached{next: next, cache: c}
}

func cacheKey(text string, length Length) string {
	h := sha1.New()
	h.Write([]byte(length))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cached) Summarize(ctx context.Context, text string, length Length) (string, error) {
	key := cacheKey(text, length)
	if summary, ok := c.cache.Get(key); ok {
		return summary, nil
	}

	summary, err := c.next.Summarize(ctx, text, length)
	if err != nil {
		return "", err
	}
	c.cache.Set(key, summary)
	return summary, nil
}
