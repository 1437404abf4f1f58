package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mkaneta/recabattle/internal/card"
	"github.com/mkaneta/recabattle/internal/storage"
)

const cardColumns = `
	id,
	receipt_upload_id,
	name,
	hand,
	flavor,
	attack_power,
	rarity,
	artwork_status,
	artwork_error,
	artwork_bucket,
	artwork_object_key,
	artwork_generation,
	artwork_mime_type,
	artwork_model,
	artwork_prompt,
	created_at,
	updated_at`

// CreateCardWithOwnership inserts the card and the ownership row in one
// transaction so partial creation is never observable.
func (s *Store) CreateCardWithOwnership(ctx context.Context, c card.Card, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("card id is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.ArtworkStatus == "" {
		c.ArtworkStatus = card.ArtworkPending
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin card creation tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO cards (
	id, receipt_upload_id, name, hand, flavor, attack_power, rarity,
	artwork_status, artwork_error, artwork_bucket, artwork_object_key,
	artwork_generation, artwork_mime_type, artwork_model, artwork_prompt,
	created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		c.ID,
		c.ReceiptUploadID,
		c.Name,
		string(c.Hand),
		c.Flavor,
		c.AttackPower,
		string(c.Rarity),
		string(c.ArtworkStatus),
		c.ArtworkError,
		c.ArtworkBucket,
		c.ArtworkObjectKey,
		c.ArtworkGeneration,
		c.ArtworkMimeType,
		c.ArtworkModel,
		c.ArtworkPrompt,
		toMillis(c.CreatedAt),
		toMillis(c.UpdatedAt),
	); err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("insert card: %w", storage.ErrConflict)
		}
		return fmt.Errorf("insert card: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO owned_cards (user_id, card_id, created_at) VALUES (?, ?, ?)
`, userID, c.ID, toMillis(c.CreatedAt)); err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("insert ownership: %w", storage.ErrConflict)
		}
		return fmt.Errorf("insert ownership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit card creation tx: %w", err)
	}
	return nil
}

// GetCard loads one card by id.
func (s *Store) GetCard(ctx context.Context, id string) (card.Card, error) {
	if err := ctx.Err(); err != nil {
		return card.Card{}, err
	}
	if s == nil || s.sqlDB == nil {
		return card.Card{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT`+cardColumns+` FROM cards WHERE id = ?`, id)
	c, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return card.Card{}, fmt.Errorf("card %s: %w", id, storage.ErrNotFound)
		}
		return card.Card{}, fmt.Errorf("get card: %w", err)
	}
	return c, nil
}

// GetCardByReceipt loads the card minted from one receipt upload.
func (s *Store) GetCardByReceipt(ctx context.Context, receiptUploadID string) (card.Card, error) {
	if err := ctx.Err(); err != nil {
		return card.Card{}, err
	}
	if s == nil || s.sqlDB == nil {
		return card.Card{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT`+cardColumns+` FROM cards WHERE receipt_upload_id = ?`, receiptUploadID)
	c, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return card.Card{}, fmt.Errorf("card for receipt %s: %w", receiptUploadID, storage.ErrNotFound)
		}
		return card.Card{}, fmt.Errorf("get card by receipt: %w", err)
	}
	return c, nil
}

// ListOwnedCards returns the user's cards keyed by card id.
func (s *Store) ListOwnedCards(ctx context.Context, userID string) (map[string]card.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT`+strings.ReplaceAll(cardColumns, "\n\t", "\n\tcards.")+`
FROM cards
JOIN owned_cards ON owned_cards.card_id = cards.id
WHERE owned_cards.user_id = ?
ORDER BY cards.created_at ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list owned cards: %w", err)
	}
	defer rows.Close()

	owned := make(map[string]card.Card)
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan owned card: %w", err)
		}
		owned[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owned cards: %w", err)
	}
	return owned, nil
}

// ListCardIDsByHand returns the global CPU candidate pool per hand.
func (s *Store) ListCardIDsByHand(ctx context.Context) (map[card.Hand][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id, hand FROM cards ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list cards by hand: %w", err)
	}
	defer rows.Close()

	pool := make(map[card.Hand][]string, len(card.Hands))
	for rows.Next() {
		var id, hand string
		if err := rows.Scan(&id, &hand); err != nil {
			return nil, fmt.Errorf("scan card hand: %w", err)
		}
		pool[card.Hand(hand)] = append(pool[card.Hand(hand)], id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards by hand: %w", err)
	}
	return pool, nil
}

// GetCards resolves a set of card ids. Missing ids are absent from the map.
func (s *Store) GetCards(ctx context.Context, ids []string) (map[string]card.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	cards := make(map[string]card.Card, len(ids))
	if len(ids) == 0 {
		return cards, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT`+cardColumns+` FROM cards WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get cards: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return cards, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (card.Card, error) {
	var (
		c                    card.Card
		hand, rarity, status string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&c.ID,
		&c.ReceiptUploadID,
		&c.Name,
		&hand,
		&c.Flavor,
		&c.AttackPower,
		&rarity,
		&status,
		&c.ArtworkError,
		&c.ArtworkBucket,
		&c.ArtworkObjectKey,
		&c.ArtworkGeneration,
		&c.ArtworkMimeType,
		&c.ArtworkModel,
		&c.ArtworkPrompt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return card.Card{}, err
	}
	c.Hand = card.Hand(hand)
	c.Rarity = card.Rarity(rarity)
	c.ArtworkStatus = card.ArtworkStatus(status)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}
