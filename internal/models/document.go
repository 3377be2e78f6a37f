package models

// Document is the canonical regulatory record kept in the document store.
type Document struct {
	DocumentNumber  string `json:"document_number"`
	Title           string `json:"title"`
	PublicationDate string `json:"publication_date"`
	Type            string `json:"type"`
	Abstract        string `json:"abstract"`
}

// RawRecord is a single record as decoded from the document feed.
type RawRecord map[string]any

// DateLayout is the ISO calendar date format used for publication dates.
const DateLayout = "2006-01-02"
