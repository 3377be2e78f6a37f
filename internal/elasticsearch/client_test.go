package elasticsearch_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/register-radar/internal/elasticsearch"
	"github.com/DeafMist/register-radar/internal/models"
	"github.com/DeafMist/register-radar/internal/store"
)

type fakeES struct {
	mu          sync.Mutex
	indexExists bool
	created     int
	bulkLines   []string
	bulkQuery   string
	searchBody  map[string]any
	bulkReply   string
	searchReply string

	mapping       []byte
	clusterStatus string

	lock      []byte
	lockSeqNo int
	nextSeqNo int
}

const lockPath = "/documents_locks/_doc/ingest"

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodHead && r.URL.Path == "/documents":
		if f.indexExists {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodPut && r.URL.Path == "/documents":
		f.mapping, _ = io.ReadAll(r.Body)
		f.created++
		f.indexExists = true
		io.WriteString(w, `{"acknowledged":true}`)
	case strings.HasSuffix(r.URL.Path, "/_bulk"):
		f.bulkQuery = r.URL.RawQuery
		sc := bufio.NewScanner(r.Body)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				f.bulkLines = append(f.bulkLines, line)
			}
		}
		io.WriteString(w, f.bulkReply)
	case strings.HasSuffix(r.URL.Path, "/_search"):
		data, _ := io.ReadAll(r.Body)
		f.searchBody = map[string]any{}
		json.Unmarshal(data, &f.searchBody)
		io.WriteString(w, f.searchReply)
	case strings.HasSuffix(r.URL.Path, "/_count"):
		io.WriteString(w, `{"count":7}`)
	case r.URL.Path == "/_cluster/health":
		status := f.clusterStatus
		if status == "" {
			status = "green"
		}
		io.WriteString(w, `{"cluster_name":"test","status":"`+status+`"}`)
	case r.URL.Path == "/documents_locks/_create/ingest":
		if f.lock != nil {
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, `{"error":{"type":"version_conflict_engine_exception"},"status":409}`)
			return
		}
		f.lock, _ = io.ReadAll(r.Body)
		f.lockSeqNo = f.nextSeqNo
		f.nextSeqNo++
		io.WriteString(w, `{"result":"created","_seq_no":`+strconv.Itoa(f.lockSeqNo)+`,"_primary_term":1}`)
	case r.Method == http.MethodGet && r.URL.Path == lockPath:
		if f.lock == nil {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"found":false}`)
			return
		}
		io.WriteString(w, `{"found":true,"_seq_no":`+strconv.Itoa(f.lockSeqNo)+`,"_primary_term":1,"_source":`+string(f.lock)+`}`)
	case r.Method == http.MethodDelete && r.URL.Path == lockPath:
		if f.lock == nil {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"result":"not_found"}`)
			return
		}
		if r.URL.Query().Get("if_seq_no") != strconv.Itoa(f.lockSeqNo) {
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, `{"error":{"type":"version_conflict_engine_exception"},"status":409}`)
			return
		}
		f.lock = nil
		io.WriteString(w, `{"result":"deleted"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{}`)
	}
}

func newClient(t *testing.T, fake *fakeES) *elasticsearch.Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := elasticsearch.New(srv.URL, "documents", nil)
	require.NoError(t, err)
	return c
}

func TestUpsertCreatesIndexAndBulkWrites(t *testing.T) {
	fake := &fakeES{
		bulkReply: `{"errors":false,"items":[{"index":{"_id":"a","status":201}},{"index":{"_id":"b","status":200}}]}`,
	}
	c := newClient(t, fake)

	docs := []models.Document{
		{DocumentNumber: "a", Title: "A", PublicationDate: "2024-05-01", Type: "Rule"},
		{DocumentNumber: "b", Title: "B", PublicationDate: "2024-05-02", Type: "Notice"},
	}
	n, err := c.Upsert(context.Background(), docs)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Equal(t, 1, fake.created)
	require.Contains(t, string(fake.mapping), `"abstract":{"type":"wildcard"}`)
	require.Contains(t, string(fake.mapping), `"title":{"type":"wildcard"}`)
	require.NotContains(t, string(fake.mapping), "ignore_above")
	require.Contains(t, fake.bulkQuery, "refresh=wait_for")
	require.Len(t, fake.bulkLines, 4)

	var meta map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(fake.bulkLines[0]), &meta))
	require.Equal(t, "a", meta["index"]["_id"])

	var doc models.Document
	require.NoError(t, json.Unmarshal([]byte(fake.bulkLines[3]), &doc))
	require.Equal(t, docs[1], doc)
}

func TestUpsertReportsRejectedItems(t *testing.T) {
	fake := &fakeES{
		indexExists: true,
		bulkReply:   `{"errors":true,"items":[{"index":{"_id":"a","status":201}},{"index":{"_id":"b","status":400}}]}`,
	}
	c := newClient(t, fake)

	n, err := c.Upsert(context.Background(), []models.Document{{DocumentNumber: "a"}, {DocumentNumber: "b"}})
	require.Equal(t, 1, n)

	var se *store.StorageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "upsert", se.Op)
	require.Zero(t, fake.created)
}

func TestQueryBuildsFilters(t *testing.T) {
	fake := &fakeES{
		searchReply: `{"hits":{"hits":[{"_source":{"document_number":"a","title":"A","publication_date":"2024-05-01","type":"Rule","abstract":"x"}}]}}`,
	}
	c := newClient(t, fake)

	got, err := c.Query(context.Background(), store.Filters{
		Start: "2024-05-01",
		End:   "2024-05-31",
		Text:  "fish*",
		Type:  "Rule",
	})
	require.NoError(t, err)
	require.Equal(t, []models.Document{{DocumentNumber: "a", Title: "A", PublicationDate: "2024-05-01", Type: "Rule", Abstract: "x"}}, got)

	raw, err := json.Marshal(fake.searchBody)
	require.NoError(t, err)
	body := string(raw)
	require.Contains(t, body, `"gte":"2024-05-01"`)
	require.Contains(t, body, `"lte":"2024-05-31"`)
	require.Contains(t, body, `"term":{"type":"Rule"}`)
	require.True(t, bytes.Contains(raw, []byte(`"value":"*fish\\\\**"`)), body)
	require.Contains(t, body, `"case_insensitive":true`)
}

func TestCount(t *testing.T) {
	c := newClient(t, &fakeES{})
	n, err := c.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, n)
}

func TestHealthFailsOnRedCluster(t *testing.T) {
	fake := &fakeES{}
	c := newClient(t, fake)
	require.NoError(t, c.Health(context.Background()))

	fake.clusterStatus = "yellow"
	require.NoError(t, c.Health(context.Background()))

	fake.clusterStatus = "red"
	err := c.Health(context.Background())
	var se *store.StorageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "health", se.Op)
	require.Contains(t, err.Error(), "red")
}

func TestLockExcludesSecondHolder(t *testing.T) {
	fake := &fakeES{}
	c := newClient(t, fake)
	ctx := context.Background()

	unlock, err := c.Lock(ctx, "ingest", time.Minute)
	require.NoError(t, err)

	other := newClient(t, fake)
	_, err = other.Lock(ctx, "ingest", time.Minute)
	require.ErrorIs(t, err, store.ErrLocked)

	require.NoError(t, unlock(ctx))
	require.Nil(t, fake.lock)

	unlock, err = other.Lock(ctx, "ingest", time.Minute)
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}

func TestLockTakesOverExpiredLease(t *testing.T) {
	stale, err := json.Marshal(map[string]any{"owner": "crashed", "expires_at": time.Now().Add(-time.Minute).UTC()})
	require.NoError(t, err)
	fake := &fakeES{lock: stale, lockSeqNo: 3, nextSeqNo: 4}
	c := newClient(t, fake)

	unlock, err := c.Lock(context.Background(), "ingest", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 4, fake.lockSeqNo)

	var held struct {
		Owner     string    `json:"owner"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(fake.lock, &held))
	require.NotEqual(t, "crashed", held.Owner)
	require.True(t, held.ExpiresAt.After(time.Now()))

	require.NoError(t, unlock(context.Background()))
}

func TestUnlockReportsLostLease(t *testing.T) {
	fake := &fakeES{}
	c := newClient(t, fake)

	unlock, err := c.Lock(context.Background(), "ingest", time.Minute)
	require.NoError(t, err)

	// Another holder replaced the lease after it expired.
	fake.lockSeqNo = 9
	err = unlock(context.Background())
	require.Error(t, err)
	require.NotNil(t, fake.lock)
}
