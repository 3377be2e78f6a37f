package chat_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/register-radar/internal/chat"
	"github.com/DeafMist/register-radar/internal/compose"
	"github.com/DeafMist/register-radar/internal/ingest"
	"github.com/DeafMist/register-radar/internal/logger"
	"github.com/DeafMist/register-radar/internal/processing"
	"github.com/DeafMist/register-radar/internal/query"
	"github.com/DeafMist/register-radar/internal/store/sqlite"
	"github.com/DeafMist/register-radar/internal/summarize"
)

type stubSummarizer struct {
	calls int
	err   error
}

func (s *stubSummarizer) Summarize(context.Context, string, summarize.Length) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "Two orders on climate and training.", nil
}

func newService(t *testing.T, s summarize.Summarizer) *chat.Service {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "documents.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	batch, err := ingest.FallbackBatch()
	require.NoError(t, err)
	docs, _ := processing.NormalizeAll(batch.Records)
	_, err = st.Upsert(ctx, docs)
	require.NoError(t, err)

	engine := query.NewEngine(st, query.Options{
		WindowDays: 30,
		Now:        func() time.Time { return time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC) },
	}, logger.Discard())
	composer := compose.New(s, compose.Options{MinChars: 250, PreviewChars: 200, Timeout: time.Second}, logger.Discard())
	return chat.NewService(engine, composer, logger.Discard())
}

func TestRespondSummarizesMatches(t *testing.T) {
	s := &stubSummarizer{}
	out, err := newService(t, s).Respond(context.Background(), query.Request{Query: "executive order (type: Executive Order)"})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(out, "Found documents:\n"))
	require.Contains(t, out, "- Executive Order on Environmental Policy (2024-05-01, Executive Order): ")
	require.Contains(t, out, "- Executive Order on Workforce Development (2024-05-15, Executive Order): ")
	require.Contains(t, out, "Summary: Two orders on climate and training.")
	require.Equal(t, 1, s.calls)
}

func TestRespondDegradesOnSummaryFailure(t *testing.T) {
	s := &stubSummarizer{err: &summarize.RemoteServiceError{Backend: "cohere", Status: 401, Err: errors.New("invalid api token")}}
	out, err := newService(t, s).Respond(context.Background(), query.Request{Query: "workforce"})
	require.NoError(t, err)
	require.Contains(t, out, "- Executive Order on Workforce Development (2024-05-15, Executive Order): ")
	require.NotContains(t, out, "Environmental Policy")
	require.Contains(t, out, "Note: unable to generate summary due to API error.")
	require.Equal(t, 1, s.calls)
}

func TestRespondNoResults(t *testing.T) {
	out, err := newService(t, &stubSummarizer{}).Respond(context.Background(), query.Request{
		Query: "order",
		Start: "2023-01-01",
		End:   "2023-12-31",
	})
	require.NoError(t, err)
	require.Equal(t, "No documents found.", out)
}

func TestRespondReturnsValidationError(t *testing.T) {
	_, err := newService(t, &stubSummarizer{}).Respond(context.Background(), query.Request{Query: "   "})
	var ve *query.ValidationError
	require.True(t, errors.As(err, &ve))
}
