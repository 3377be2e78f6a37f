package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendSQLite        = "sqlite"
	BackendElasticsearch = "elasticsearch"

	SummarizerCohere = "cohere"
	SummarizerOpenAI = "openai"
	SummarizerNone   = "none"
)

// Common contains storage and snapshot parameters shared by every service.
type Common struct {
	StoreBackend       string
	SQLitePath         string
	ElasticsearchAddr  string
	ElasticsearchIndex string
	SnapshotDir        string
	SnapshotRetention  time.Duration
	Mirror             Mirror
}

// Mirror configures the optional object-storage copy of snapshot files.
// An empty Endpoint disables it.
type Mirror struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether snapshots should be mirrored.
func (m Mirror) Enabled() bool { return m.Endpoint != "" }

// Ingest describes the remote feed and the window fetched by each run.
type Ingest struct {
	SourceBaseURL string
	SourceTimeout time.Duration
	StartDate     string
	DocumentType  string
	PageSize      int
	RunTimeout    time.Duration
}

// Query tunes the query engine defaults and heuristics.
type Query struct {
	WindowDays       int
	RecencyHeuristic bool
	TypeCues         bool
}

// Summary configures the summarization collaborator and the composer gate.
type Summary struct {
	Backend       string
	CohereAPIKey  string
	CohereBaseURL string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
	MinChars      int
	PreviewChars  int
	Timeout       time.Duration
	RPS           float64
	Burst         int
	CacheTTL      time.Duration
	CacheCapacity int
}

// API holds configuration for the HTTP chat service.
type API struct {
	Common
	Ingest
	Query
	Summary
	BindAddr      string
	IngestOnStart bool
}

// Worker holds configuration for the Kafka ingest-trigger worker.
type Worker struct {
	Common
	Ingest
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaConsumer string
	// MetricsAddr is where /metrics is served.
	MetricsAddr string
}

// Retention configures the snapshot cleanup loop.
type Retention struct {
	Common
	Interval time.Duration
	// MetricsAddr is where /metrics is served.
	MetricsAddr string
}

// CLI is the full set used by regctl, which can run every stage locally.
type CLI struct {
	Common
	Ingest
	Query
	Summary
}

// LoadAPI builds an API config from environment variables.
func LoadAPI() (*API, error) {
	loadDotEnv()

	c := &API{
		Common:        loadCommon(),
		Ingest:        loadIngest(),
		Query:         loadQuery(),
		Summary:       loadSummary(),
		BindAddr:      getEnv("API_BIND_ADDR", "0.0.0.0:8080"),
		IngestOnStart: getBool("API_INGEST_ON_START", true),
	}

	if err := validateCommon(&c.Common); err != nil {
		return nil, err
	}
	if err := validateIngest(&c.Ingest); err != nil {
		return nil, err
	}
	if err := validateQuery(&c.Query); err != nil {
		return nil, err
	}
	if err := validateSummary(&c.Summary); err != nil {
		return nil, err
	}

	return c, nil
}

// LoadWorker builds a Worker config from environment variables.
func LoadWorker() (*Worker, error) {
	loadDotEnv()

	c := &Worker{
		Common:        loadCommon(),
		Ingest:        loadIngest(),
		KafkaBrokers:  splitAndTrim(getEnv("KAFKA_BROKERS", "kafka:9092")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "ingest_requests"),
		KafkaConsumer: getEnv("KAFKA_CONSUMER_GROUP", "ingest-worker"),
		MetricsAddr:   getEnv("WORKER_METRICS_ADDR", ":9092"),
	}

	if len(c.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one broker")
	}
	if err := validateCommon(&c.Common); err != nil {
		return nil, err
	}
	if err := validateIngest(&c.Ingest); err != nil {
		return nil, err
	}

	return c, nil
}

// LoadRetention builds a Retention config from environment variables.
func LoadRetention() (*Retention, error) {
	loadDotEnv()

	c := &Retention{
		Common:      loadCommon(),
		Interval:    getDuration("RETENTION_CRON", "24h"),
		MetricsAddr: getEnv("RETENTION_METRICS_ADDR", ":9091"),
	}

	if c.Interval <= 0 {
		return nil, fmt.Errorf("RETENTION_CRON must be positive")
	}
	if err := validateCommon(&c.Common); err != nil {
		return nil, err
	}

	return c, nil
}

// LoadCLI builds the regctl config from environment variables.
func LoadCLI() (*CLI, error) {
	loadDotEnv()

	c := &CLI{
		Common:  loadCommon(),
		Ingest:  loadIngest(),
		Query:   loadQuery(),
		Summary: loadSummary(),
	}

	if err := validateCommon(&c.Common); err != nil {
		return nil, err
	}
	if err := validateIngest(&c.Ingest); err != nil {
		return nil, err
	}
	if err := validateQuery(&c.Query); err != nil {
		return nil, err
	}
	if err := validateSummary(&c.Summary); err != nil {
		return nil, err
	}

	return c, nil
}

func loadCommon() Common {
	return Common{
		StoreBackend:       strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite)),
		SQLitePath:         getEnv("SQLITE_PATH", "federal_register.db"),
		ElasticsearchAddr:  getEnv("ELASTICSEARCH_ADDR", "http://elasticsearch:9200"),
		ElasticsearchIndex: getEnv("ELASTICSEARCH_INDEX", "documents"),
		SnapshotDir:        getEnv("SNAPSHOT_DIR", "data"),
		SnapshotRetention:  getDuration("SNAPSHOT_RETENTION", "168h"),
		Mirror: Mirror{
			Endpoint:  getEnv("SNAPSHOT_MIRROR_ENDPOINT", ""),
			AccessKey: getEnv("SNAPSHOT_MIRROR_ACCESS_KEY", ""),
			SecretKey: getEnv("SNAPSHOT_MIRROR_SECRET_KEY", ""),
			Bucket:    getEnv("SNAPSHOT_MIRROR_BUCKET", "snapshots"),
			UseSSL:    getBool("SNAPSHOT_MIRROR_USE_SSL", false),
		},
	}
}

func loadIngest() Ingest {
	return Ingest{
		SourceBaseURL: getEnv("FEDREG_BASE_URL", "https://www.federalregister.gov/api/v1"),
		SourceTimeout: getDuration("FEDREG_TIMEOUT", "20s"),
		StartDate:     getEnv("INGEST_START_DATE", "2024-01-01"),
		DocumentType:  getEnv("INGEST_DOCUMENT_TYPE", "Executive Order"),
		PageSize:      getInt("INGEST_PAGE_SIZE", 100),
		RunTimeout:    getDuration("INGEST_RUN_TIMEOUT", "2m"),
	}
}

func loadQuery() Query {
	return Query{
		WindowDays:       getInt("QUERY_WINDOW_DAYS", 30),
		RecencyHeuristic: getBool("QUERY_RECENCY_HEURISTIC", true),
		TypeCues:         getBool("QUERY_TYPE_CUES", false),
	}
}

func loadSummary() Summary {
	return Summary{
		Backend:       strings.ToLower(getEnv("SUMMARIZER", SummarizerCohere)),
		CohereAPIKey:  getEnv("COHERE_API_KEY", ""),
		CohereBaseURL: getEnv("COHERE_BASE_URL", "https://api.cohere.ai"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		MinChars:      getInt("SUMMARY_MIN_CHARS", 250),
		PreviewChars:  getInt("SUMMARY_PREVIEW_CHARS", 200),
		Timeout:       getDuration("SUMMARY_TIMEOUT", "15s"),
		RPS:           getFloat("SUMMARY_RPS", 2),
		Burst:         getInt("SUMMARY_BURST", 1),
		CacheTTL:      getDuration("SUMMARY_CACHE_TTL", "6h"),
		CacheCapacity: getInt("SUMMARY_CACHE_CAPACITY", 1000),
	}
}

func validateCommon(c *Common) error {
	switch c.StoreBackend {
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH must be set for the sqlite backend")
		}
	case BackendElasticsearch:
		if c.ElasticsearchAddr == "" || c.ElasticsearchIndex == "" {
			return fmt.Errorf("ELASTICSEARCH_ADDR and ELASTICSEARCH_INDEX must be set for the elasticsearch backend")
		}
	default:
		return fmt.Errorf("STORE_BACKEND %q is not supported", c.StoreBackend)
	}
	if c.SnapshotDir == "" {
		return fmt.Errorf("SNAPSHOT_DIR must be set")
	}
	if c.SnapshotRetention <= 0 {
		return fmt.Errorf("SNAPSHOT_RETENTION must be positive")
	}
	return nil
}

func validateIngest(c *Ingest) error {
	if c.SourceBaseURL == "" {
		return fmt.Errorf("FEDREG_BASE_URL must be set")
	}
	if c.SourceTimeout <= 0 {
		return fmt.Errorf("FEDREG_TIMEOUT must be positive")
	}
	if c.StartDate != "" {
		if _, err := time.Parse("2006-01-02", c.StartDate); err != nil {
			return fmt.Errorf("INGEST_START_DATE must be YYYY-MM-DD: %w", err)
		}
	}
	if c.PageSize <= 0 || c.PageSize > 1000 {
		return fmt.Errorf("INGEST_PAGE_SIZE must be between 1 and 1000")
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("INGEST_RUN_TIMEOUT must be positive")
	}
	return nil
}

func validateQuery(c *Query) error {
	if c.WindowDays <= 0 {
		return fmt.Errorf("QUERY_WINDOW_DAYS must be positive")
	}
	return nil
}

func validateSummary(c *Summary) error {
	switch c.Backend {
	case SummarizerCohere, SummarizerOpenAI, SummarizerNone:
	default:
		return fmt.Errorf("SUMMARIZER %q is not supported", c.Backend)
	}
	if c.MinChars < 0 {
		return fmt.Errorf("SUMMARY_MIN_CHARS cannot be negative")
	}
	if c.PreviewChars <= 0 {
		return fmt.Errorf("SUMMARY_PREVIEW_CHARS must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("SUMMARY_TIMEOUT must be positive")
	}
	if c.RPS <= 0 || c.Burst <= 0 {
		return fmt.Errorf("SUMMARY_RPS and SUMMARY_BURST must be positive")
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("SUMMARY_CACHE_CAPACITY must be positive")
	}
	return nil
}

// loadDotEnv reads ./.env when present. Real environment variables win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
