// Package receipt defines the receipt upload record and the extraction
// payload produced by the external text-extraction collaborator.
package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status tracks an upload through extraction.
type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusExtracted Status = "extracted"
	StatusFailed    Status = "failed"
)

// ErrNoJSON indicates the extractor response contained no JSON object.
var ErrNoJSON = errors.New("extraction response did not contain JSON")

// Upload is one stored receipt image and its extraction outcome. Uniqueness:
// one upload per (bucket, object key); one card per upload.
type Upload struct {
	ID            string
	UserID        string
	Status        Status
	Bucket        string
	ObjectKey     string
	Generation    int64
	URI           string
	ExtractedJSON []byte
	UsageJSON     []byte
	RawText       string
	Model         string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Identity returns the immutable identity string card attributes are derived
// from. It folds in the storage coordinates so two uploads of the same image
// still mint distinct cards.
func (u Upload) Identity() string {
	return fmt.Sprintf("%s-%s-%s-%d", u.ID, u.Bucket, u.ObjectKey, u.Generation)
}

// Item is one extracted receipt line.
type Item struct {
	Name     string `json:"name"`
	PriceYen *int   `json:"price_yen"`
}

// ProposedCard is the extractor's creative card suggestion.
type ProposedCard struct {
	Name   string `json:"name"`
	Hand   string `json:"hand"`
	Flavor string `json:"flavor"`
}

// Extraction is the structured payload parsed from the extractor response.
type Extraction struct {
	Items []Item       `json:"items"`
	Card  ProposedCard `json:"card"`
	Notes string       `json:"notes"`
}

// ItemNames returns the non-blank item names in order.
func (e Extraction) ItemNames() []string {
	names := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		if name := strings.TrimSpace(item.Name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Extractor is the external text-extraction collaborator. Implementations
// live outside this module; the pipeline consumes the result read-only.
type Extractor interface {
	Extract(ctx context.Context, imageBytes []byte, mimeType string) (Extraction, error)
}

// ParseExtraction decodes a stored extraction payload. Model responses
// occasionally wrap the JSON in prose, so a failed strict parse falls back to
// the first balanced {...} slice.
func ParseExtraction(raw []byte) (Extraction, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return Extraction{}, nil
	}

	var extraction Extraction
	if err := json.Unmarshal([]byte(text), &extraction); err == nil {
		return extraction, nil
	}

	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first == -1 || last <= first {
		return Extraction{}, ErrNoJSON
	}
	if err := json.Unmarshal([]byte(text[first:last+1]), &extraction); err != nil {
		return Extraction{}, fmt.Errorf("parse extraction payload: %w", err)
	}
	return extraction, nil
}
