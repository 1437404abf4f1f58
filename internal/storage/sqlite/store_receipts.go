package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mkaneta/recabattle/internal/receipt"
	"github.com/mkaneta/recabattle/internal/storage"
)

// CreateUpload inserts one receipt upload record.
func (s *Store) CreateUpload(ctx context.Context, upload receipt.Upload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(upload.ID) == "" {
		return fmt.Errorf("upload id is required")
	}
	if strings.TrimSpace(upload.Bucket) == "" || strings.TrimSpace(upload.ObjectKey) == "" {
		return fmt.Errorf("upload storage coordinates are required")
	}
	if upload.Status == "" {
		upload.Status = receipt.StatusUploaded
	}
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = time.Now().UTC()
	}
	if upload.UpdatedAt.IsZero() {
		upload.UpdatedAt = upload.CreatedAt
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO receipt_uploads (
	id, user_id, status, bucket, object_key, generation, uri,
	extracted_json, usage_json, raw_text, model, error_message,
	created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		upload.ID,
		upload.UserID,
		string(upload.Status),
		upload.Bucket,
		upload.ObjectKey,
		upload.Generation,
		upload.URI,
		string(upload.ExtractedJSON),
		string(upload.UsageJSON),
		upload.RawText,
		upload.Model,
		upload.ErrorMessage,
		toMillis(upload.CreatedAt),
		toMillis(upload.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("insert upload: %w", storage.ErrConflict)
		}
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

// GetUpload loads one receipt upload by id.
func (s *Store) GetUpload(ctx context.Context, id string) (receipt.Upload, error) {
	if err := ctx.Err(); err != nil {
		return receipt.Upload{}, err
	}
	if s == nil || s.sqlDB == nil {
		return receipt.Upload{}, fmt.Errorf("storage is not configured")
	}

	var (
		upload               receipt.Upload
		status               string
		extractedJSON, usage string
		createdAt, updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT
	id, user_id, status, bucket, object_key, generation, uri,
	extracted_json, usage_json, raw_text, model, error_message,
	created_at, updated_at
FROM receipt_uploads WHERE id = ?
`, id).Scan(
		&upload.ID,
		&upload.UserID,
		&status,
		&upload.Bucket,
		&upload.ObjectKey,
		&upload.Generation,
		&upload.URI,
		&extractedJSON,
		&usage,
		&upload.RawText,
		&upload.Model,
		&upload.ErrorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return receipt.Upload{}, fmt.Errorf("receipt upload %s: %w", id, storage.ErrNotFound)
		}
		return receipt.Upload{}, fmt.Errorf("get upload: %w", err)
	}
	upload.Status = receipt.Status(status)
	upload.ExtractedJSON = []byte(extractedJSON)
	upload.UsageJSON = []byte(usage)
	upload.CreatedAt = fromMillis(createdAt)
	upload.UpdatedAt = fromMillis(updatedAt)
	return upload, nil
}

// SetExtractionResult records a successful extraction payload.
func (s *Store) SetExtractionResult(ctx context.Context, id string, extractedJSON, usageJSON []byte, rawText, model string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE receipt_uploads
SET status = ?, extracted_json = ?, usage_json = ?, raw_text = ?, model = ?,
    error_message = '', updated_at = ?
WHERE id = ?
`,
		string(receipt.StatusExtracted),
		string(extractedJSON),
		string(usageJSON),
		rawText,
		model,
		toMillis(now),
		id,
	)
	if err != nil {
		return fmt.Errorf("set extraction result: %w", err)
	}
	return ensureUploadUpdated(result, id)
}

// SetExtractionFailure records a failed extraction.
func (s *Store) SetExtractionFailure(ctx context.Context, id, message string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE receipt_uploads
SET status = ?, error_message = ?, updated_at = ?
WHERE id = ?
`,
		string(receipt.StatusFailed),
		message,
		toMillis(now),
		id,
	)
	if err != nil {
		return fmt.Errorf("set extraction failure: %w", err)
	}
	return ensureUploadUpdated(result, id)
}

func ensureUploadUpdated(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("upload update rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("receipt upload %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
