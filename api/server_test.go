package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/register-radar/internal/ingest"
	"github.com/DeafMist/register-radar/internal/logger"
	"github.com/DeafMist/register-radar/internal/metrics"
	"github.com/DeafMist/register-radar/internal/models"
	"github.com/DeafMist/register-radar/internal/query"
)

type stubChat struct {
	got    query.Request
	answer string
	err    error
}

func (s *stubChat) Respond(_ context.Context, req query.Request) (string, error) {
	s.got = req
	return s.answer, s.err
}

type stubEngine struct {
	got  query.Request
	docs []models.Document
	err  error
}

func (s *stubEngine) Answer(_ context.Context, req query.Request) ([]models.Document, error) {
	s.got = req
	return s.docs, s.err
}

type stubStarter struct {
	busy bool
	got  ingest.Request
}

func (s *stubStarter) Start(_ context.Context, req ingest.Request) (<-chan ingest.Report, error) {
	if s.busy {
		return nil, ingest.ErrRunInProgress
	}
	s.got = req
	done := make(chan ingest.Report, 1)
	done <- ingest.Report{RunID: "run-1"}
	close(done)
	return done, nil
}

type stubCounter struct {
	n   int
	err error
}

func (s stubCounter) Count(context.Context) (int, error) { return s.n, s.err }

type stubCluster struct {
	stubCounter
	health error
}

func (s stubCluster) Health(context.Context) error { return s.health }

func newTestServer(chat *stubChat, engine *stubEngine, starter *stubStarter, count counter) http.Handler {
	reg := prometheus.NewRegistry()
	metrics.RegisterCollectors(reg)
	s := &server{
		log:      logger.Discard(),
		ctx:      context.Background(),
		chat:     chat,
		engine:   engine,
		ingest:   starter,
		store:    count,
		gatherer: reg,
	}
	return s.routes()
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestChatSuccess(t *testing.T) {
	chat := &stubChat{answer: "Found documents:\n- A"}
	h := newTestServer(chat, &stubEngine{}, &stubStarter{}, stubCounter{})

	rec, body := do(t, h, http.MethodPost, "/chat", `{"query":"orders (type: Rule)","start_date":"2024-01-01","end_date":"2024-02-01"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Found documents:\n- A", body["response"])
	require.Equal(t, query.Request{Query: "orders (type: Rule)", Start: "2024-01-01", End: "2024-02-01"}, chat.got)
}

func TestChatValidationErrorIs400(t *testing.T) {
	chat := &stubChat{err: &query.ValidationError{Msg: "empty query"}}
	h := newTestServer(chat, &stubEngine{}, &stubStarter{}, stubCounter{})

	rec, body := do(t, h, http.MethodPost, "/chat", `{"query":"  "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "empty query", body["error"])

	rec, _ = do(t, h, http.MethodPost, "/chat", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatOtherErrorIs500(t *testing.T) {
	chat := &stubChat{err: errors.New("boom")}
	h := newTestServer(chat, &stubEngine{}, &stubStarter{}, stubCounter{})

	rec, body := do(t, h, http.MethodPost, "/chat", `{"query":"x"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal error", body["error"])
}

func TestDocuments(t *testing.T) {
	engine := &stubEngine{docs: []models.Document{{DocumentNumber: "1", Title: "A"}}}
	h := newTestServer(&stubChat{}, engine, &stubStarter{}, stubCounter{})

	rec, _ := do(t, h, http.MethodGet, "/documents?q=climate&type=Rule&start=2024-01-01&end=2024-01-31", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, query.Request{Query: "climate (type: Rule)", Start: "2024-01-01", End: "2024-01-31"}, engine.got)

	var docs []models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Len(t, docs, 1)
}

func TestIngestAcceptedAndConflict(t *testing.T) {
	starter := &stubStarter{}
	h := newTestServer(&stubChat{}, &stubEngine{}, starter, stubCounter{})

	rec, body := do(t, h, http.MethodPost, "/ingest", `{"start_date":"2025-01-01","type":"Rule"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "started", body["status"])
	require.Equal(t, ingest.Request{Start: "2025-01-01", Type: "Rule"}, starter.got)

	starter.busy = true
	rec, _ = do(t, h, http.MethodPost, "/ingest", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestIngestRejectsBadDates(t *testing.T) {
	starter := &stubStarter{}
	h := newTestServer(&stubChat{}, &stubEngine{}, starter, stubCounter{})

	for _, raw := range []string{
		`{"start_date":"garbage"}`,
		`{"end_date":"2025-13-01"}`,
		`{"start_date":"2025-02-01","end_date":"2025-01-01"}`,
	} {
		rec, body := do(t, h, http.MethodPost, "/ingest", raw)
		require.Equal(t, http.StatusBadRequest, rec.Code, raw)
		require.NotEmpty(t, body["error"], raw)
	}
	require.Equal(t, ingest.Request{}, starter.got)

	rec, _ := do(t, h, http.MethodPost, "/ingest", `{"start_date":" 2025-01-01 ","end_date":"2025-01-31"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, ingest.Request{Start: "2025-01-01", End: "2025-01-31"}, starter.got)
}

func TestHealth(t *testing.T) {
	rec, body := do(t, newTestServer(&stubChat{}, &stubEngine{}, &stubStarter{}, stubCounter{n: 2}), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(2), body["documents"])

	rec, _ = do(t, newTestServer(&stubChat{}, &stubEngine{}, &stubStarter{}, stubCounter{err: errors.New("locked")}), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthReportsRedCluster(t *testing.T) {
	green := stubCluster{stubCounter: stubCounter{n: 4}}
	rec, body := do(t, newTestServer(&stubChat{}, &stubEngine{}, &stubStarter{}, green), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(4), body["documents"])

	red := stubCluster{stubCounter: stubCounter{n: 4}, health: errors.New("cluster status red")}
	rec, body = do(t, newTestServer(&stubChat{}, &stubEngine{}, &stubStarter{}, red), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "store unavailable", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Queries.WithLabelValues("ok").Inc()
	rec, _ := do(t, newTestServer(&stubChat{}, &stubEngine{}, &stubStarter{}, stubCounter{}), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "register_radar_queries_total")
}
