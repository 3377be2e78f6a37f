package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"

	"github.com/DeafMist/register-radar/internal/models"
	"github.com/DeafMist/register-radar/internal/store"
)

// maxResults caps a single search; the store contract has no pagination.
const maxResults = 1000

// indexMapping stores title and abstract as wildcard fields so substring
// search has no length cutoff, and type as a keyword for exact filters. An
// index created with an older mapping keeps it until it is recreated.
var indexMapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"document_number":  map[string]any{"type": "keyword"},
			"title":            map[string]any{"type": "wildcard"},
			"publication_date": map[string]any{"type": "date", "format": "yyyy-MM-dd"},
			"type":             map[string]any{"type": "keyword"},
			"abstract":         map[string]any{"type": "wildcard"},
		},
	},
}

// clusterRed is the health status at which primaries are missing.
const clusterRed = "red"

// Client wraps go-elasticsearch and implements store.Store.
type Client struct {
	es    *elasticsearch.Client
	index string
	log   *slog.Logger
}

var (
	_ store.Store  = (*Client)(nil)
	_ store.Locker = (*Client)(nil)
)

// New instantiates the Elasticsearch client.
func New(addr, index string, logger *slog.Logger) (*Client, error) {
	return NewWithTransport(addr, index, nil, logger)
}

// NewWithTransport is New with a custom HTTP transport (nil keeps the default).
func NewWithTransport(addr, index string, transport http.RoundTripper, logger *slog.Logger) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
		Transport: transport,
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{es: es, index: index, log: logger}, nil
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return nil
}

// EnsureIndex creates the documents index with its mapping when it is missing.
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return store.Wrap("ensure schema", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	payload, err := json.Marshal(indexMapping)
	if err != nil {
		return store.Wrap("ensure schema", fmt.Errorf("marshal mapping: %w", err))
	}

	res, err = c.es.Indices.Create(
		c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return store.Wrap("ensure schema", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		// Another process may have created it between the two calls.
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return store.Wrap("ensure schema", fmt.Errorf("create index failed: %s", strings.TrimSpace(string(body))))
	}

	c.log.Info("created index", slog.String("index", c.index))
	return nil
}

// Upsert writes docs with one bulk request keyed by document number and waits
// for the refresh so the next query sees them.
func (c *Client) Upsert(ctx context.Context, docs []models.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	if err := c.EnsureIndex(ctx); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		meta := map[string]any{"index": map[string]any{"_index": c.index, "_id": d.DocumentNumber}}
		if err := enc.Encode(meta); err != nil {
			return 0, store.Wrap("upsert", fmt.Errorf("marshal bulk meta: %w", err))
		}
		if err := enc.Encode(d); err != nil {
			return 0, store.Wrap("upsert", fmt.Errorf("marshal doc: %w", err))
		}
	}

	req := esapi.BulkRequest{
		Index:   c.index,
		Body:    &buf,
		Refresh: "wait_for",
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return 0, store.Wrap("upsert", fmt.Errorf("bulk: %w", err))
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return 0, store.Wrap("upsert", fmt.Errorf("bulk failed: %s", strings.TrimSpace(string(body))))
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, store.Wrap("upsert", fmt.Errorf("decode bulk response: %w", err))
	}

	stored := 0
	failed := 0
	for _, item := range parsed.Items {
		for _, result := range item {
			if result.Status >= http.StatusBadRequest {
				failed++
				c.log.Warn("bulk item rejected", slog.String("document_number", result.ID), slog.Int("status", result.Status))
				continue
			}
			stored++
		}
	}

	if parsed.Errors || failed > 0 {
		return stored, store.Wrap("upsert", fmt.Errorf("%d of %d documents rejected", failed, len(docs)))
	}

	return stored, nil
}

// Query executes a bool query with the date range and optional filters.
func (c *Client) Query(ctx context.Context, f store.Filters) ([]models.Document, error) {
	filters := []map[string]any{
		{
			"range": map[string]any{
				"publication_date": map[string]any{
					"gte": f.Start,
					"lte": f.End,
				},
			},
		},
	}

	if f.Type != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"type": f.Type},
		})
	}

	if f.Text != "" {
		pattern := "*" + escapeWildcard(f.Text) + "*"
		filters = append(filters, map[string]any{
			"bool": map[string]any{
				"should": []map[string]any{
					{"wildcard": map[string]any{"title": map[string]any{"value": pattern, "case_insensitive": true}}},
					{"wildcard": map[string]any{"abstract": map[string]any{"value": pattern, "case_insensitive": true}}},
				},
				"minimum_should_match": 1,
			},
		})
	}

	body := map[string]any{
		"size": maxResults,
		"query": map[string]any{
			"bool": map[string]any{"filter": filters},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, store.Wrap("query", fmt.Errorf("marshal search body: %w", err))
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
		c.es.Search.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return nil, store.Wrap("query", fmt.Errorf("search: %w", err))
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, store.Wrap("query", fmt.Errorf("search failed: %s", strings.TrimSpace(string(data))))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source models.Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, store.Wrap("query", fmt.Errorf("decode search response: %w", err))
	}

	items := make([]models.Document, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		items = append(items, hit.Source)
	}

	return items, nil
}

// Count returns the number of documents in the index.
func (c *Client) Count(ctx context.Context) (int, error) {
	res, err := c.es.Count(
		c.es.Count.WithContext(ctx),
		c.es.Count.WithIndex(c.index),
		c.es.Count.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return 0, store.Wrap("count", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return 0, store.Wrap("count", fmt.Errorf("count failed: %s", strings.TrimSpace(string(data))))
	}

	var parsed struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, store.Wrap("count", fmt.Errorf("decode count response: %w", err))
	}
	return parsed.Count, nil
}

// Health returns an error when the cluster cannot be reached or reports red.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return store.Wrap("health", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return store.Wrap("health", fmt.Errorf("cluster health failed: %s", strings.TrimSpace(string(data))))
	}

	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return store.Wrap("health", fmt.Errorf("decode health response: %w", err))
	}
	if parsed.Status == clusterRed {
		return store.Wrap("health", fmt.Errorf("cluster status %s", parsed.Status))
	}
	return nil
}

// Close is a no-op; the HTTP transport has nothing to release.
func (c *Client) Close() error { return nil }

func escapeWildcard(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`)
	return r.Replace(s)
}

// lockDoc is a lease document in the <index>_locks index.
type lockDoc struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// lockVersion pins a delete to the lease document it was read as.
type lockVersion struct {
	SeqNo       int `json:"_seq_no"`
	PrimaryTerm int `json:"_primary_term"`
}

// Lock takes the named lease by creating its document with op_type=create,
// which succeeds for exactly one caller. A lease past its expiry is deleted and
// taken over once; a live one yields store.ErrLocked.
func (c *Client) Lock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	owner := uuid.NewString()
	for attempt := 0; attempt < 2; attempt++ {
		v, created, err := c.createLock(ctx, name, lockDoc{Owner: owner, ExpiresAt: time.Now().UTC().Add(ttl)})
		if err != nil {
			return nil, err
		}
		if created {
			c.log.Debug("lock taken", slog.String("lock", name), slog.String("owner", owner))
			return func(ctx context.Context) error {
				deleted, err := c.deleteLock(ctx, name, v)
				if err != nil {
					return err
				}
				if !deleted {
					return store.Wrap("unlock", fmt.Errorf("lock %q was taken over", name))
				}
				return nil
			}, nil
		}

		held, v, found, err := c.readLock(ctx, name)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if time.Now().Before(held.ExpiresAt) {
			return nil, store.ErrLocked
		}

		c.log.Warn("taking over expired lock",
			slog.String("lock", name),
			slog.String("owner", held.Owner),
			slog.Time("expired_at", held.ExpiresAt),
		)
		if _, err := c.deleteLock(ctx, name, v); err != nil {
			return nil, err
		}
	}
	return nil, store.ErrLocked
}

func (c *Client) lockIndex() string { return c.index + "_locks" }

func (c *Client) createLock(ctx context.Context, name string, doc lockDoc) (lockVersion, bool, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return lockVersion{}, false, store.Wrap("lock", fmt.Errorf("marshal lock: %w", err))
	}

	req := esapi.CreateRequest{
		Index:      c.lockIndex(),
		DocumentID: name,
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return lockVersion{}, false, store.Wrap("lock", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return lockVersion{}, false, nil
	}
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return lockVersion{}, false, store.Wrap("lock", fmt.Errorf("create lock failed: %s", strings.TrimSpace(string(data))))
	}

	var v lockVersion
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		return lockVersion{}, false, store.Wrap("lock", fmt.Errorf("decode lock response: %w", err))
	}
	return v, true, nil
}

func (c *Client) readLock(ctx context.Context, name string) (lockDoc, lockVersion, bool, error) {
	req := esapi.GetRequest{Index: c.lockIndex(), DocumentID: name}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return lockDoc{}, lockVersion{}, false, store.Wrap("lock", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return lockDoc{}, lockVersion{}, false, nil
	}
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return lockDoc{}, lockVersion{}, false, store.Wrap("lock", fmt.Errorf("read lock failed: %s", strings.TrimSpace(string(data))))
	}

	var parsed struct {
		lockVersion
		Found  bool    `json:"found"`
		Source lockDoc `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return lockDoc{}, lockVersion{}, false, store.Wrap("lock", fmt.Errorf("decode lock: %w", err))
	}
	return parsed.Source, parsed.lockVersion, parsed.Found, nil
}

// deleteLock removes the lease only if it is still the version v. It reports
// false when the document is gone or was replaced.
func (c *Client) deleteLock(ctx context.Context, name string, v lockVersion) (bool, error) {
	seqNo, term := v.SeqNo, v.PrimaryTerm
	req := esapi.DeleteRequest{
		Index:         c.lockIndex(),
		DocumentID:    name,
		IfSeqNo:       &seqNo,
		IfPrimaryTerm: &term,
		Refresh:       "true",
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return false, store.Wrap("unlock", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound, res.StatusCode == http.StatusConflict:
		return false, nil
	case res.IsError():
		data, _ := io.ReadAll(res.Body)
		return false, store.Wrap("unlock", fmt.Errorf("delete lock failed: %s", strings.TrimSpace(string(data))))
	}
	return true, nil
}
