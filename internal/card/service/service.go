// Package service mints collectible cards from extracted receipt uploads.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mkaneta/recabattle/internal/card"
	"github.com/mkaneta/recabattle/internal/platform/id"
	"github.com/mkaneta/recabattle/internal/receipt"
	"github.com/mkaneta/recabattle/internal/storage"
)

// FallbackCardName names cards minted from receipts whose extraction produced
// nothing usable.
const FallbackCardName = "謎のレシート"

// ErrReceiptRequired indicates a blank receipt upload id.
var ErrReceiptRequired = errors.New("receipt upload id is required")

// ArtworkRequester kicks off asynchronous artwork generation for a card.
type ArtworkRequester interface {
	Request(ctx context.Context, cardID string) (storage.ArtworkRequestOutcome, error)
}

// Service mints cards. Minting is idempotent per receipt upload: the first
// call creates the card, later calls return it.
type Service struct {
	store   storage.Store
	artwork ArtworkRequester
	now     func() time.Time
	newID   func() (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides card id generation.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(s *Service) { s.newID = newID }
}

// WithArtworkRequester wires automatic artwork generation after minting.
func WithArtworkRequester(requester ArtworkRequester) Option {
	return func(s *Service) { s.artwork = requester }
}

// New returns a minting service backed by store.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: id.NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mint creates the card for a receipt upload, or returns the existing one.
// Attributes derive deterministically from the upload identity, so replays
// and races converge on identical cards.
func (s *Service) Mint(ctx context.Context, receiptUploadID string) (card.Card, error) {
	if err := ctx.Err(); err != nil {
		return card.Card{}, err
	}
	receiptUploadID = strings.TrimSpace(receiptUploadID)
	if receiptUploadID == "" {
		return card.Card{}, ErrReceiptRequired
	}

	existing, err := s.store.GetCardByReceipt(ctx, receiptUploadID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return card.Card{}, fmt.Errorf("check existing card: %w", err)
	}

	upload, err := s.store.GetUpload(ctx, receiptUploadID)
	if err != nil {
		return card.Card{}, fmt.Errorf("load receipt upload: %w", err)
	}

	name, hand, flavor := cardAttributes(upload)
	attackPower := card.DeriveAttackPower(upload.Identity())
	rarity, err := card.RarityForAttackPower(attackPower)
	if err != nil {
		return card.Card{}, fmt.Errorf("derive rarity: %w", err)
	}

	cardID, err := s.newID()
	if err != nil {
		return card.Card{}, fmt.Errorf("generate card id: %w", err)
	}
	now := s.now()
	minted := card.Card{
		ID:              cardID,
		ReceiptUploadID: upload.ID,
		Name:            name,
		Hand:            hand,
		Flavor:          flavor,
		AttackPower:     attackPower,
		Rarity:          rarity,
		ArtworkStatus:   card.ArtworkPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.CreateCardWithOwnership(ctx, minted, upload.UserID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost a concurrent mint for the same upload.
			winner, getErr := s.store.GetCardByReceipt(ctx, receiptUploadID)
			if getErr != nil {
				return card.Card{}, fmt.Errorf("load concurrently minted card: %w", getErr)
			}
			return winner, nil
		}
		return card.Card{}, fmt.Errorf("create card: %w", err)
	}

	if s.artwork != nil {
		if _, err := s.artwork.Request(ctx, minted.ID); err != nil {
			// The card exists; artwork can be re-requested later.
			return minted, fmt.Errorf("request artwork for card %s: %w", minted.ID, err)
		}
	}
	return minted, nil
}

// cardAttributes derives name, hand, and flavor from the stored extraction.
// A missing or unparseable extraction yields the fallback placeholder card.
func cardAttributes(upload receipt.Upload) (string, card.Hand, string) {
	if upload.Status != receipt.StatusExtracted {
		return FallbackCardName, card.HandGu, ""
	}
	extraction, err := receipt.ParseExtraction(upload.ExtractedJSON)
	if err != nil {
		return FallbackCardName, card.HandGu, ""
	}

	name := card.DeriveName(extraction.Card.Name, extraction.ItemNames())
	return name, card.NormalizeHand(extraction.Card.Hand), strings.TrimSpace(extraction.Card.Flavor)
}
