package ingest

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/DeafMist/register-radar/internal/models"
	"github.com/DeafMist/register-radar/internal/source"
)

//go:embed fallback.yaml
var fallbackYAML []byte

const (
	ReasonFetchError  = "fetch_error"
	ReasonEmptyResult = "empty_result"
)

// FallbackBatch returns the built-in dataset as if the feed had served it.
// The payload is the JSON encoding of the records.
func FallbackBatch() (*source.Batch, error) {
	var records []models.RawRecord
	if err := yaml.Unmarshal(fallbackYAML, &records); err != nil {
		return nil, fmt.Errorf("decode fallback dataset: %w", err)
	}

	payload, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode fallback dataset: %w", err)
	}

	return &source.Batch{Payload: payload, Records: records}, nil
}
