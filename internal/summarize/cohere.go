package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DeafMist/register-radar/internal/config"
)

// Cohere calls the Cohere summarize endpoint.
type Cohere struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewCohere builds a client for baseURL (e.g. https://api.cohere.ai).
func NewCohere(baseURL, apiKey string, timeout time.Duration) *Cohere {
	return &Cohere{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type cohereRequest struct {
	Text   string `json:"text"`
	Length Length `json:"length"`
	Format string `json:"format"`
}

type cohereResponse struct {
	Summary string `json:"summary"`
	Message string `json:"message"`
}

func (c *Cohere) fail(status int, err error) error {
	return &RemoteServiceError{Backend: config.SummarizerCohere, Status: status, Err: err}
}

// Summarize implements Summarizer.
func (c *Cohere) Summarize(ctx context.Context, text string, length Length) (string, error) {
	body, err := json.Marshal(cohereRequest{Text: text, Length: length, Format: "paragraph"})
	if err != nil {
		return "", c.fail(0, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/summarize", bytes.NewReader(body))
	if err != nil {
		return "", c.fail(0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return "", c.fail(0, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", c.fail(res.StatusCode, fmt.Errorf("read body: %w", err))
	}

	var parsed cohereResponse
	decodeErr := json.Unmarshal(data, &parsed)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := strings.TrimSpace(parsed.Message)
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return "", c.fail(res.StatusCode, errors.New(msg))
	}
	if decodeErr != nil {
		return "", c.fail(res.StatusCode, fmt.Errorf("decode response: %w", decodeErr))
	}

	summary := strings.TrimSpace(parsed.Summary)
	if summary == "" {
		return "", c.fail(res.StatusCode, errors.New("empty summary"))
	}
	return summary, nil
}
