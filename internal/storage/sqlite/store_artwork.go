package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mkaneta/recabattle/internal/card"
	"github.com/mkaneta/recabattle/internal/storage"
)

const (
	// jobDeadLetterThreshold caps generation attempts before a job goes dead.
	jobDeadLetterThreshold = 8
	// jobProcessingLease bounds how long a claimed job may run before another
	// worker may reclaim it.
	jobProcessingLease = 10 * time.Minute
)

// RequestArtworkJob flips the card to generating and enqueues exactly one job
// in a single transaction. The UPDATE's WHERE clause is the atomic
// check-and-set: concurrent requests for the same card race on it, and only
// the winner enqueues.
func (s *Store) RequestArtworkJob(ctx context.Context, cardID string, now, staleBefore time.Time) (storage.ArtworkRequestOutcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin artwork request tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	var updatedAt int64
	err = tx.QueryRowContext(ctx, `SELECT artwork_status, updated_at FROM cards WHERE id = ?`, cardID).Scan(&status, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("card %s: %w", cardID, storage.ErrNotFound)
		}
		return "", fmt.Errorf("load artwork status: %w", err)
	}

	switch card.ArtworkStatus(status) {
	case card.ArtworkGenerated:
		return storage.ArtworkAlreadyGenerated, nil
	case card.ArtworkGenerating:
		if fromMillis(updatedAt).After(staleBefore) {
			return storage.ArtworkInProgress, nil
		}
	}

	result, err := tx.ExecContext(ctx, `
UPDATE cards
SET artwork_status = ?, artwork_error = '', updated_at = ?
WHERE id = ?
  AND (
	artwork_status IN (?, ?)
	OR (artwork_status = ? AND updated_at <= ?)
  )
`,
		string(card.ArtworkGenerating),
		toMillis(now),
		cardID,
		string(card.ArtworkPending),
		string(card.ArtworkFailed),
		string(card.ArtworkGenerating),
		toMillis(staleBefore),
	)
	if err != nil {
		return "", fmt.Errorf("mark card generating: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("mark card generating rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race to a concurrent request.
		return storage.ArtworkInProgress, nil
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO artwork_jobs (card_id, status, attempt_count, next_attempt_at, last_error, updated_at)
VALUES (?, 'pending', 0, ?, '', ?)
ON CONFLICT(card_id) DO UPDATE SET
	status = 'pending',
	attempt_count = 0,
	next_attempt_at = excluded.next_attempt_at,
	last_error = '',
	updated_at = excluded.updated_at
`, cardID, toMillis(now), toMillis(now)); err != nil {
		return "", fmt.Errorf("enqueue artwork job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit artwork request tx: %w", err)
	}
	return storage.ArtworkStarted, nil
}

// FailStaleArtwork resets an abandoned generating card to failed.
func (s *Store) FailStaleArtwork(ctx context.Context, cardID string, staleBefore, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE cards
SET artwork_status = ?, artwork_error = 'generation timed out', updated_at = ?
WHERE id = ? AND artwork_status = ? AND updated_at <= ?
`,
		string(card.ArtworkFailed),
		toMillis(now),
		cardID,
		string(card.ArtworkGenerating),
		toMillis(staleBefore),
	)
	if err != nil {
		return false, fmt.Errorf("fail stale artwork: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail stale artwork rows affected: %w", err)
	}
	return affected == 1, nil
}

// RecordArtworkTransientError notes a retryable failure without leaving the
// generating state, so polling clients keep waiting.
func (s *Store) RecordArtworkTransientError(ctx context.Context, cardID, message string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
UPDATE cards
SET artwork_status = ?, artwork_error = ?, updated_at = ?
WHERE id = ?
`,
		string(card.ArtworkGenerating),
		message,
		toMillis(now),
		cardID,
	); err != nil {
		return fmt.Errorf("record transient artwork error: %w", err)
	}
	return nil
}

// CompleteArtwork marks the card generated and records where the bytes live.
func (s *Store) CompleteArtwork(ctx context.Context, cardID string, result storage.ArtworkResult, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE cards
SET artwork_status = ?,
    artwork_error = '',
    artwork_bucket = ?,
    artwork_object_key = ?,
    artwork_generation = ?,
    artwork_mime_type = ?,
    artwork_model = ?,
    artwork_prompt = ?,
    updated_at = ?
WHERE id = ?
`,
		string(card.ArtworkGenerated),
		result.Bucket,
		result.ObjectKey,
		result.Generation,
		result.MimeType,
		result.Model,
		result.Prompt,
		toMillis(now),
		cardID,
	)
	if err != nil {
		return fmt.Errorf("complete artwork: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete artwork rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("card %s: %w", cardID, storage.ErrNotFound)
	}
	return nil
}

// FailArtwork marks the card failed with the message kept for user display.
func (s *Store) FailArtwork(ctx context.Context, cardID, message string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
UPDATE cards
SET artwork_status = ?, artwork_error = ?, updated_at = ?
WHERE id = ? AND artwork_status != ?
`,
		string(card.ArtworkFailed),
		message,
		toMillis(now),
		cardID,
		string(card.ArtworkGenerated),
	); err != nil {
		return fmt.Errorf("fail artwork: %w", err)
	}
	return nil
}

// ClaimDueArtworkJobs claims up to limit due jobs inside one transaction.
// Jobs stuck in processing past the lease are reclaimed so a crashed worker
// cannot strand a card.
func (s *Store) ClaimDueArtworkJobs(ctx context.Context, now time.Time, limit int) ([]storage.ArtworkJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin job claim tx: %w", err)
	}
	defer tx.Rollback()

	staleBefore := now.Add(-jobProcessingLease)
	rows, err := tx.QueryContext(ctx, `
SELECT card_id, status, attempt_count, next_attempt_at, last_error, updated_at
FROM artwork_jobs
WHERE (status IN ('pending', 'failed') AND next_attempt_at <= ?)
   OR (status = 'processing' AND updated_at <= ?)
ORDER BY next_attempt_at ASC
LIMIT ?
`, toMillis(now), toMillis(staleBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	candidates := make([]storage.ArtworkJob, 0, limit)
	for rows.Next() {
		var (
			job                    storage.ArtworkJob
			nextAttempt, updatedAt int64
		)
		if err := rows.Scan(&job.CardID, &job.Status, &job.AttemptCount, &nextAttempt, &job.LastError, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		job.NextAttemptAt = fromMillis(nextAttempt)
		job.UpdatedAt = fromMillis(updatedAt)
		candidates = append(candidates, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due jobs: %w", err)
	}

	claimed := make([]storage.ArtworkJob, 0, len(candidates))
	for _, job := range candidates {
		result, err := tx.ExecContext(ctx, `
UPDATE artwork_jobs
SET status = 'processing', updated_at = ?
WHERE card_id = ?
  AND (
	(status IN ('pending', 'failed') AND next_attempt_at <= ?)
	OR (status = 'processing' AND updated_at <= ?)
  )
`, toMillis(now), job.CardID, toMillis(now), toMillis(staleBefore))
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", job.CardID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim job rows affected %s: %w", job.CardID, err)
		}
		if affected == 1 {
			claimed = append(claimed, job)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job claim tx: %w", err)
	}
	return claimed, nil
}

// CompleteArtworkJob removes a claimed job after a terminal outcome.
func (s *Store) CompleteArtworkJob(ctx context.Context, cardID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM artwork_jobs WHERE card_id = ? AND status = 'processing'
`, cardID); err != nil {
		return fmt.Errorf("complete job %s: %w", cardID, err)
	}
	return nil
}

// RetryArtworkJob reschedules a claimed job, dead-lettering it once the
// attempt count reaches the threshold.
func (s *Store) RetryArtworkJob(ctx context.Context, cardID string, attempt int, nextAttemptAt time.Time, lastError string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	status := "failed"
	dead := attempt >= jobDeadLetterThreshold
	if dead {
		status = "dead"
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE artwork_jobs
SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
WHERE card_id = ? AND status = 'processing'
`,
		status,
		attempt,
		toMillis(nextAttemptAt),
		lastError,
		toMillis(now),
		cardID,
	)
	if err != nil {
		return false, fmt.Errorf("retry job %s: %w", cardID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("retry job rows affected %s: %w", cardID, err)
	}
	if affected != 1 {
		return false, fmt.Errorf("retry job %s: expected 1 row updated, got %d", cardID, affected)
	}
	return dead, nil
}
