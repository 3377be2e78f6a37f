package processing

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/DeafMist/register-radar/internal/models"
)

var whitespace = regexp.MustCompile(`\s+`)

// presidentialDocument is the feed-level type whose subtype carries the
// human-facing kind (e.g. "Executive Order").
const presidentialDocument = "Presidential Document"

// CleanText decodes HTML entities and squeezes whitespace.
func CleanText(input string) string {
	if input == "" {
		return ""
	}
	decoded := html.UnescapeString(input)
	decoded = whitespace.ReplaceAllString(decoded, " ")
	return strings.TrimSpace(decoded)
}

// Normalize maps a raw feed record onto a Document.
// Missing or null fields become empty strings; abstract falls back to summary.
func Normalize(raw models.RawRecord) models.Document {
	docType := field(raw, "type")
	if docType == presidentialDocument {
		if sub := field(raw, "subtype"); sub != "" {
			docType = sub
		}
	}

	abstract := field(raw, "abstract")
	if abstract == "" {
		abstract = field(raw, "summary")
	}

	return models.Document{
		DocumentNumber:  strings.TrimSpace(field(raw, "document_number")),
		Title:           CleanText(field(raw, "title")),
		PublicationDate: strings.TrimSpace(field(raw, "publication_date")),
		Type:            strings.TrimSpace(docType),
		Abstract:        CleanText(abstract),
	}
}

// NormalizeAll normalizes a batch, dropping records that have no document number.
// The second return value is the number of dropped records.
func NormalizeAll(raws []models.RawRecord) ([]models.Document, int) {
	out := make([]models.Document, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		doc := Normalize(raw)
		if doc.DocumentNumber == "" {
			skipped++
			continue
		}
		out = append(out, doc)
	}
	return out, skipped
}

// field reads key as a string. Absent and null values yield "".
func field(raw models.RawRecord, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers; document numbers are sometimes numeric in hand-built feeds.
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
