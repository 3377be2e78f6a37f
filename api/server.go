package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/DeafMist/register-radar/internal/ingest"
	"github.com/DeafMist/register-radar/internal/metrics"
	"github.com/DeafMist/register-radar/internal/models"
	"github.com/DeafMist/register-radar/internal/query"
)

type responder interface {
	Respond(ctx context.Context, req query.Request) (string, error)
}

type answerer interface {
	Answer(ctx context.Context, req query.Request) ([]models.Document, error)
}

type ingestStarter interface {
	Start(ctx context.Context, req ingest.Request) (<-chan ingest.Report, error)
}

type counter interface {
	Count(ctx context.Context) (int, error)
}

// healthChecker is implemented by backends with a cluster status beyond
// reachability.
type healthChecker interface {
	Health(ctx context.Context) error
}

type server struct {
	log      *slog.Logger
	ctx      context.Context
	chat     responder
	engine   answerer
	ingest   ingestStarter
	store    counter
	gatherer prometheus.Gatherer
}

type errorResponse struct {
	Error string `json:"error"`
}

type chatRequest struct {
	Query     string `json:"query"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type chatResponse struct {
	Response string `json:"response"`
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/chat", s.handleChat)
	r.Get("/documents", s.handleDocuments)
	r.Post("/ingest", s.handleIngest)
	r.Handle("/metrics", metrics.Handler(s.gatherer))
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	n, err := s.store.Count(ctx)
	if hc, ok := s.store.(healthChecker); ok && err == nil {
		err = hc.Health(ctx)
	}
	if err != nil {
		s.log.Warn("health check failed", slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "store unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "documents": n})
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	answer, err := s.chat.Respond(r.Context(), query.Request{
		Query: req.Query,
		Start: req.StartDate,
		End:   req.EndDate,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Response: answer})
}

func (s *server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	params := r.URL.Query()
	q := strings.TrimSpace(params.Get("q"))
	if t := strings.TrimSpace(params.Get("type")); t != "" {
		q += " (type: " + t + ")"
	}

	docs, err := s.engine.Answer(ctx, query.Request{
		Query: q,
		Start: strings.TrimSpace(params.Get("start")),
		End:   strings.TrimSpace(params.Get("end")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, docs)
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	// The run outlives the request, so it is bound to the server lifetime.
	done, err := s.ingest.Start(s.ctx, req)
	if errors.Is(err, ingest.ErrRunInProgress) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	go func() {
		rep := <-done
		s.log.Info("requested ingest finished",
			slog.String("run_id", rep.RunID),
			slog.String("source", rep.Source),
			slog.Int("stored", rep.Stored),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *query.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Msg})
		return
	}

	s.log.Error("request failed",
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.Any("err", err),
	)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
