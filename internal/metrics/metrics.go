package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "register_radar"

var (
	IngestRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ingest_runs_total", Help: "Ingest runs by outcome."},
		[]string{"outcome"},
	)
	IngestFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ingest_fallback_total", Help: "Runs that used the built-in dataset, by trigger."},
		[]string{"reason"},
	)
	DocumentsStored = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "documents_upserted_total", Help: "Documents written by ingest upserts."},
	)
	SnapshotsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "snapshots_deleted_total", Help: "Snapshot files removed by the retention sweep."},
	)
	Queries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "queries_total", Help: "Query engine calls by outcome."},
		[]string{"outcome"},
	)
	Summaries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "summaries_total", Help: "Summarization attempts by outcome."},
		[]string{"outcome"},
	)
)

// RegisterCollectors registers every collector with reg.
func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(IngestRuns)
	reg.MustRegister(IngestFallbacks)
	reg.MustRegister(DocumentsStored)
	reg.MustRegister(SnapshotsDeleted)
	reg.MustRegister(Queries)
	reg.MustRegister(Summaries)
}

// NewRegistry returns a registry with the Go runtime, process and service
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	RegisterCollectors(reg)
	return reg
}

// Handler serves g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing g on /metrics, for binaries
// without an API of their own.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
