// Package storage declares the persistence interfaces the services depend
// on. The sqlite subpackage provides the production implementation.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mkaneta/recabattle/internal/card"
	"github.com/mkaneta/recabattle/internal/receipt"
)

// ErrNotFound indicates a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a uniqueness constraint rejected a write.
var ErrConflict = errors.New("record already exists")

// ArtworkRequestOutcome reports how an artwork generation request was
// dispatched.
type ArtworkRequestOutcome string

const (
	// ArtworkAlreadyGenerated means the card has final artwork; nothing to do.
	ArtworkAlreadyGenerated ArtworkRequestOutcome = "already_generated"
	// ArtworkInProgress means a non-stale job is running; no new job enqueued.
	ArtworkInProgress ArtworkRequestOutcome = "in_progress"
	// ArtworkStarted means the card flipped to generating and one job was
	// enqueued.
	ArtworkStarted ArtworkRequestOutcome = "started"
)

// ArtworkResult carries the storage coordinates recorded when generation
// succeeds.
type ArtworkResult struct {
	Bucket     string
	ObjectKey  string
	Generation int64
	MimeType   string
	Model      string
	Prompt     string
}

// ArtworkJob is one queued generation attempt for a card.
type ArtworkJob struct {
	CardID        string
	Status        string
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	UpdatedAt     time.Time
}

// CardStore persists cards and ownership.
type CardStore interface {
	// CreateCardWithOwnership inserts the card and its ownership record in a
	// single transaction. Partial creation is never observable.
	CreateCardWithOwnership(ctx context.Context, c card.Card, userID string) error
	GetCard(ctx context.Context, id string) (card.Card, error)
	// GetCardByReceipt returns the card minted from the given receipt upload,
	// or ErrNotFound.
	GetCardByReceipt(ctx context.Context, receiptUploadID string) (card.Card, error)
	// ListOwnedCards returns every card the user owns, keyed by card id.
	ListOwnedCards(ctx context.Context, userID string) (map[string]card.Card, error)
	// ListCardIDsByHand returns the global candidate pool per hand.
	ListCardIDsByHand(ctx context.Context) (map[card.Hand][]string, error)
	// GetCards resolves a set of card ids, keyed by id. Missing ids are
	// simply absent from the result.
	GetCards(ctx context.Context, ids []string) (map[string]card.Card, error)
}

// ReceiptStore persists receipt uploads.
type ReceiptStore interface {
	CreateUpload(ctx context.Context, upload receipt.Upload) error
	GetUpload(ctx context.Context, id string) (receipt.Upload, error)
	// SetExtractionResult records a successful extraction payload.
	SetExtractionResult(ctx context.Context, id string, extractedJSON, usageJSON []byte, rawText, model string, now time.Time) error
	// SetExtractionFailure records a failed extraction.
	SetExtractionFailure(ctx context.Context, id, message string, now time.Time) error
}

// ArtworkStore owns a card's artwork fields and the generation job outbox.
type ArtworkStore interface {
	// RequestArtworkJob atomically transitions the card to generating and
	// enqueues exactly one job. Cards already generated, or generating with
	// an update newer than staleBefore, are left untouched.
	RequestArtworkJob(ctx context.Context, cardID string, now, staleBefore time.Time) (ArtworkRequestOutcome, error)
	// FailStaleArtwork resets an abandoned generating card to failed. It
	// reports whether the card was actually reset.
	FailStaleArtwork(ctx context.Context, cardID string, staleBefore, now time.Time) (bool, error)
	// RecordArtworkTransientError keeps the card generating (so polling
	// clients keep waiting) while noting the last transient failure.
	RecordArtworkTransientError(ctx context.Context, cardID, message string, now time.Time) error
	// CompleteArtwork marks the card generated with its storage coordinates.
	CompleteArtwork(ctx context.Context, cardID string, result ArtworkResult, now time.Time) error
	// FailArtwork marks the card failed with the error recorded for display.
	FailArtwork(ctx context.Context, cardID, message string, now time.Time) error

	// ClaimDueArtworkJobs claims up to limit due jobs, transitioning them to
	// processing. Jobs stuck in processing past the lease are reclaimed.
	ClaimDueArtworkJobs(ctx context.Context, now time.Time, limit int) ([]ArtworkJob, error)
	// CompleteArtworkJob removes a claimed job after a terminal outcome.
	CompleteArtworkJob(ctx context.Context, cardID string) error
	// RetryArtworkJob reschedules a claimed job; jobs at the dead-letter
	// threshold go dead instead. It reports whether the job went dead.
	RetryArtworkJob(ctx context.Context, cardID string, attempt int, nextAttemptAt time.Time, lastError string, now time.Time) (bool, error)
}

// Store aggregates every persistence interface the services need.
type Store interface {
	CardStore
	ReceiptStore
	ArtworkStore
}
