package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DeafMist/register-radar/internal/models"
)

// maxPayload bounds the response body read from the feed.
const maxPayload = 32 << 20

// Window selects the documents requested from the feed.
type Window struct {
	Start    string
	End      string
	Type     string
	PageSize int
}

// Batch is one fetch result: the verbatim payload and its decoded records.
type Batch struct {
	Payload []byte
	Records []models.RawRecord
}

// Fetcher is implemented by document sources.
type Fetcher interface {
	Fetch(ctx context.Context, w Window) (*Batch, error)
}

// FetchError reports that the feed was unreachable, erroring, or undecodable.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// typeConditions maps human document types to Federal Register API conditions.
var typeConditions = map[string][][2]string{
	"rule":                  {{"conditions[type][]", "RULE"}},
	"proposed rule":         {{"conditions[type][]", "PRORULE"}},
	"notice":                {{"conditions[type][]", "NOTICE"}},
	"presidential document": {{"conditions[type][]", "PRESDOCU"}},
	"executive order": {
		{"conditions[type][]", "PRESDOCU"},
		{"conditions[presidential_document_type]", "executive_order"},
	},
}

var requestedFields = []string{"document_number", "title", "publication_date", "type", "subtype", "abstract"}

// Client queries the Federal Register documents API.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

var _ Fetcher = (*Client)(nil)

// NewClient builds a client for baseURL (e.g. https://www.federalregister.gov/api/v1).
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     logger,
	}
}

// BuildQuery returns the query string for a window.
func BuildQuery(w Window) url.Values {
	q := url.Values{}
	if w.Start != "" {
		q.Set("conditions[publication_date][gte]", w.Start)
	}
	if w.End != "" {
		q.Set("conditions[publication_date][lte]", w.End)
	}
	if conds, ok := typeConditions[strings.ToLower(strings.TrimSpace(w.Type))]; ok {
		for _, c := range conds {
			q.Add(c[0], c[1])
		}
	}
	if w.PageSize > 0 {
		q.Set("per_page", strconv.Itoa(w.PageSize))
	}
	q.Set("order", "newest")
	for _, f := range requestedFields {
		q.Add("fields[]", f)
	}
	return q
}

// Fetch requests one page of documents for w.
func (c *Client) Fetch(ctx context.Context, w Window) (*Batch, error) {
	endpoint := c.baseURL + "/documents.json?" + BuildQuery(w).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &FetchError{Op: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Op: "request", Err: err}
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, maxPayload))
	if err != nil {
		return nil, &FetchError{Op: "read body", Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &FetchError{
			Op:  "request",
			Err: fmt.Errorf("unexpected status %s: %s", res.Status, truncate(strings.TrimSpace(string(payload)), 200)),
		}
	}

	var parsed struct {
		Count   int                `json:"count"`
		Results []models.RawRecord `json:"results"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, &FetchError{Op: "decode", Err: err}
	}

	c.log.Debug("fetched documents",
		slog.Int("count", parsed.Count),
		slog.Int("returned", len(parsed.Results)),
		slog.String("start", w.Start),
		slog.String("end", w.End),
		slog.String("type", w.Type),
	)

	return &Batch{Payload: payload, Records: parsed.Results}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
