package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkaneta/recabattle/internal/card"
	"github.com/mkaneta/recabattle/internal/receipt"
	"github.com/mkaneta/recabattle/internal/storage"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func testUpload(id string) receipt.Upload {
	return receipt.Upload{
		ID:         id,
		UserID:     "user-1",
		Status:     receipt.StatusUploaded,
		Bucket:     "receipts",
		ObjectKey:  "2026/03/01/" + id + ".jpg",
		Generation: 1,
		URI:        "gs://receipts/2026/03/01/" + id + ".jpg",
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
	}
}

func testCard(id, uploadID string, hand card.Hand) card.Card {
	return card.Card{
		ID:              id,
		ReceiptUploadID: uploadID,
		Name:            "蒼穹の符",
		Hand:            hand,
		Flavor:          "冷たい光",
		AttackPower:     30,
		Rarity:          card.RaritySilver,
		ArtworkStatus:   card.ArtworkPending,
		CreatedAt:       baseTime,
		UpdatedAt:       baseTime,
	}
}

func mustCreateCard(t *testing.T, store *Store, c card.Card, userID string) {
	t.Helper()
	upload := testUpload(c.ReceiptUploadID)
	upload.UserID = userID
	if err := store.CreateUpload(context.Background(), upload); err != nil && !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("create upload: %v", err)
	}
	if err := store.CreateCardWithOwnership(context.Background(), c, userID); err != nil {
		t.Fatalf("create card: %v", err)
	}
}

func TestUploadRoundtrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	upload := testUpload("u1")
	if err := store.CreateUpload(ctx, upload); err != nil {
		t.Fatalf("create upload: %v", err)
	}

	got, err := store.GetUpload(ctx, "u1")
	if err != nil {
		t.Fatalf("get upload: %v", err)
	}
	if got.UserID != "user-1" || got.Status != receipt.StatusUploaded {
		t.Fatalf("upload = %+v", got)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Fatalf("created at = %v, want %v", got.CreatedAt, baseTime)
	}
}

func TestCreateUploadDuplicateObject(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.CreateUpload(ctx, testUpload("u1")); err != nil {
		t.Fatalf("create upload: %v", err)
	}
	dup := testUpload("u2")
	dup.ObjectKey = testUpload("u1").ObjectKey
	if err := store.CreateUpload(ctx, dup); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want %v", err, storage.ErrConflict)
	}
}

func TestGetUploadNotFound(t *testing.T) {
	store := openStore(t)

	_, err := store.GetUpload(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestSetExtractionResult(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.CreateUpload(ctx, testUpload("u1")); err != nil {
		t.Fatalf("create upload: %v", err)
	}
	payload := []byte(`{"items":[{"name":"牛乳"}],"card":{"name":"","hand":"gu","flavor":""}}`)
	if err := store.SetExtractionResult(ctx, "u1", payload, []byte(`{"tokens":12}`), "raw", "gemini-test", baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("set extraction result: %v", err)
	}

	got, err := store.GetUpload(ctx, "u1")
	if err != nil {
		t.Fatalf("get upload: %v", err)
	}
	if got.Status != receipt.StatusExtracted || string(got.ExtractedJSON) != string(payload) {
		t.Fatalf("upload = %+v", got)
	}
	if got.Model != "gemini-test" {
		t.Fatalf("model = %q", got.Model)
	}

	if err := store.SetExtractionResult(ctx, "missing", nil, nil, "", "", baseTime); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestSetExtractionFailure(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.CreateUpload(ctx, testUpload("u1")); err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if err := store.SetExtractionFailure(ctx, "u1", "unreadable image", baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("set extraction failure: %v", err)
	}
	got, err := store.GetUpload(ctx, "u1")
	if err != nil {
		t.Fatalf("get upload: %v", err)
	}
	if got.Status != receipt.StatusFailed || got.ErrorMessage != "unreadable image" {
		t.Fatalf("upload = %+v", got)
	}
}

func TestCardRoundtripAndOwnership(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	mustCreateCard(t, store, testCard("c1", "u1", card.HandGu), "user-1")

	got, err := store.GetCard(ctx, "c1")
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.Name != "蒼穹の符" || got.Hand != card.HandGu || got.Rarity != card.RaritySilver {
		t.Fatalf("card = %+v", got)
	}
	if got.ArtworkStatus != card.ArtworkPending {
		t.Fatalf("artwork status = %s, want pending", got.ArtworkStatus)
	}

	byReceipt, err := store.GetCardByReceipt(ctx, "u1")
	if err != nil {
		t.Fatalf("get card by receipt: %v", err)
	}
	if byReceipt.ID != "c1" {
		t.Fatalf("card id = %s, want c1", byReceipt.ID)
	}

	owned, err := store.ListOwnedCards(ctx, "user-1")
	if err != nil {
		t.Fatalf("list owned cards: %v", err)
	}
	if len(owned) != 1 || owned["c1"].ID != "c1" {
		t.Fatalf("owned = %+v", owned)
	}

	other, err := store.ListOwnedCards(ctx, "user-2")
	if err != nil {
		t.Fatalf("list owned cards: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("owned by user-2 = %+v, want none", other)
	}
}

func TestCreateCardDuplicateReceipt(t *testing.T) {
	store := openStore(t)

	mustCreateCard(t, store, testCard("c1", "u1", card.HandGu), "user-1")
	dup := testCard("c2", "u1", card.HandPa)
	if err := store.CreateCardWithOwnership(context.Background(), dup, "user-1"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want %v", err, storage.ErrConflict)
	}
	if _, err := store.GetCard(context.Background(), "c2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("duplicate card persisted: err = %v", err)
	}
}

func TestListCardIDsByHand(t *testing.T) {
	store := openStore(t)

	mustCreateCard(t, store, testCard("c1", "u1", card.HandGu), "user-1")
	mustCreateCard(t, store, testCard("c2", "u2", card.HandGu), "user-2")
	mustCreateCard(t, store, testCard("c3", "u3", card.HandPa), "user-1")

	pool, err := store.ListCardIDsByHand(context.Background())
	if err != nil {
		t.Fatalf("list by hand: %v", err)
	}
	if len(pool[card.HandGu]) != 2 || len(pool[card.HandPa]) != 1 || len(pool[card.HandChoki]) != 0 {
		t.Fatalf("pool = %+v", pool)
	}
}

func TestGetCards(t *testing.T) {
	store := openStore(t)

	mustCreateCard(t, store, testCard("c1", "u1", card.HandGu), "user-1")
	mustCreateCard(t, store, testCard("c2", "u2", card.HandPa), "user-1")

	cards, err := store.GetCards(context.Background(), []string{"c1", "c2", "missing"})
	if err != nil {
		t.Fatalf("get cards: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("cards = %d, want 2", len(cards))
	}
	if _, ok := cards["missing"]; ok {
		t.Fatal("missing id must be absent")
	}

	none, err := store.GetCards(context.Background(), nil)
	if err != nil {
		t.Fatalf("get cards empty: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("cards = %d, want 0", len(none))
	}
}

func TestRequestArtworkJobLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	mustCreateCard(t, store, testCard("c1", "u1", card.HandGu), "user-1")

	now := baseTime.Add(time.Hour)
	staleBefore := now.Add(-10 * time.Minute)

	outcome, err := store.RequestArtworkJob(ctx, "c1", now, staleBefore)
	if err != nil {
		t.Fatalf("request artwork: %v", err)
	}
	if outcome != storage.ArtworkStarted {
		t.Fatalf("outcome = %s, want started", outcome)
	}

	c, err := store.GetCard(ctx, "c1")
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if c.ArtworkStatus != card.ArtworkGenerating {
		t.Fatalf("status = %s, want generating", c.ArtworkStatus)
	}

	// A second request while the first is fresh enqueues nothing.
	outcome, err = store.RequestArtworkJob(ctx, "c1", now.Add(time.Second), now.Add(time.Second).Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("request artwork again: %v", err)
	}
	if outcome != storage.ArtworkInProgress {
		t.Fatalf("outcome = %s, want in_progress", outcome)
	}

	jobs, err := store.ClaimDueArtworkJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].CardID != "c1" {
		t.Fatalf("jobs = %+v, want one job for c1", jobs)
	}

	result := storage.ArtworkResult{
		Bucket:     "artworks",
		ObjectKey:  "development/card_artworks/2026/03/01/c1-x.png",
		Generation: 1,
		MimeType:   "image/png",
		Model:      "test-model",
		Prompt:     "prompt",
	}
	if err := store.CompleteArtwork(ctx, "c1", result, now.Add(time.Minute)); err != nil {
		t.Fatalf("complete artwork: %v", err)
	}
	if err := store.CompleteArtworkJob(ctx, "c1"); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	c, err = store.GetCard(ctx, "c1")
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if c.ArtworkStatus != card.ArtworkGenerated || c.ArtworkObjectKey != result.ObjectKey || c.ArtworkGeneration != 1 {
		t.Fatalf("card = %+v", c)
	}

	outcome, err = store.RequestArtworkJob(ctx, "c1", now.Add(2*time.Minute), now.Add(2*time.Minute).Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("request after generated: %v", err)
	}
	if outcome != storage.ArtworkAlreadyGenerated {
		t.Fatalf("outcome = %s, want already_generated", outcome)
	}

	jobs, err = store.ClaimDueArtworkJobs(ctx, now.Add(3*time.Minute), 10)
	if err != nil {
		t.Fatalf("claim jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("jobs = %+v, want none", jobs)
	}
}

func TestRequestArtworkJobReclaimsStaleGenerating(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	mustCreateCard(t, store, testCard("c1", "u1", card.HandGu), "user-1")

	first := baseTime.Add(time.Hour)
	if _, err := store.RequestArtworkJob(ctx, "c1", first, first.Add(-10*time.Minute)); err != nil {
		t.Fatalf("request artwork: %v", err)
	}

	// Eleven minutes later the generating state is stale and a new request wins.
	later := first.Add(11 * time.Minute)
	outcome, err := store.RequestArtworkJob(ctx, "c1", later, later.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("request stale artwork: %v", err)
	}
	if outcome != storage.ArtworkStarted {
		t.Fatalf("outcome = %s, want started", outcome)
	}
}

func TestRequestArtworkJobMissingCard(t *testing.T) {
	store := openStore(t)

	_, err := store.RequestArtworkJob(context.Background(), "missing", baseTime, baseTime)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestClaimDueArtworkJobsHonorsSchedule(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	mustCreateCard(t, store, testCard("c1", "u1", card.HandGu), "user-1")
	now := baseTime.Add(time.Hour)
	if _, err := store.RequestArtworkJob(ctx, "c1", now, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("request artwork: %v", err)
	}

	jobs, err := store.ClaimDueArtworkJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}

	// Still processing within the lease: nothing to claim.
	jobs, err = store.ClaimDueArtworkJobs(ctx, now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("claim jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("jobs = %d, want 0", len(jobs))
	}

	// Past the lease the stuck job is reclaimed.
	jobs, err = store.ClaimDueArtworkJobs(ctx, now.Add(11*time.Minute), 10)
	if err != nil {
		t.Fatalf("claim jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1 reclaimed", len(jobs))
	}
}

func TestRetryArtworkJobSchedulesAndDeadLetters(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	mustCreateCard(t, store, testCard("c1", "u1", card.HandGu), "user-1")
	now := baseTime.Add(time.Hour)
	if _, err := store.RequestArtworkJob(ctx, "c1", now, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("request artwork: %v", err)
	}
	if _, err := store.ClaimDueArtworkJobs(ctx, now, 10); err != nil {
		t.Fatalf("claim jobs: %v", err)
	}

	dead, err := store.RetryArtworkJob(ctx, "c1", 1, now.Add(10*time.Second), "quota exceeded", now)
	if err != nil {
		t.Fatalf("retry job: %v", err)
	}
	if dead {
		t.Fatal("attempt 1 must not be dead")
	}

	// Not due yet.
	jobs, err := store.ClaimDueArtworkJobs(ctx, now.Add(5*time.Second), 10)
	if err != nil {
		t.Fatalf("claim jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("jobs = %d, want 0 before backoff elapses", len(jobs))
	}

	jobs, err = store.ClaimDueArtworkJobs(ctx, now.Add(11*time.Second), 10)
	if err != nil {
		t.Fatalf("claim jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1 after backoff", len(jobs))
	}
	if jobs[0].AttemptCount != 1 || jobs[0].LastError != "quota exceeded" {
		t.Fatalf("job = %+v", jobs[0])
	}

	dead, err = store.RetryArtworkJob(ctx, "c1", 8, now.Add(time.Minute), "quota exceeded", now)
	if err != nil {
		t.Fatalf("retry job: %v", err)
	}
	if !dead {
		t.Fatal("attempt 8 must dead-letter")
	}

	jobs, err = store.ClaimDueArtworkJobs(ctx, now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("claim jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("dead job claimed: %+v", jobs)
	}
}

func TestFailStaleArtwork(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	mustCreateCard(t, store, testCard("c1", "u1", card.HandGu), "user-1")
	now := baseTime.Add(time.Hour)
	if _, err := store.RequestArtworkJob(ctx, "c1", now, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("request artwork: %v", err)
	}

	// Fresh generating card is left alone.
	reset, err := store.FailStaleArtwork(ctx, "c1", now.Add(time.Minute).Add(-10*time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if reset {
		t.Fatal("fresh generating card must not reset")
	}

	later := now.Add(11 * time.Minute)
	reset, err = store.FailStaleArtwork(ctx, "c1", later.Add(-10*time.Minute), later)
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if !reset {
		t.Fatal("stale generating card must reset")
	}

	c, err := store.GetCard(ctx, "c1")
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if c.ArtworkStatus != card.ArtworkFailed {
		t.Fatalf("status = %s, want failed", c.ArtworkStatus)
	}
}

func TestRecordArtworkTransientErrorKeepsGenerating(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	mustCreateCard(t, store, testCard("c1", "u1", card.HandGu), "user-1")
	now := baseTime.Add(time.Hour)
	if _, err := store.RequestArtworkJob(ctx, "c1", now, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("request artwork: %v", err)
	}

	if err := store.RecordArtworkTransientError(ctx, "c1", "429 too many requests", now.Add(time.Minute)); err != nil {
		t.Fatalf("record transient: %v", err)
	}
	c, err := store.GetCard(ctx, "c1")
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if c.ArtworkStatus != card.ArtworkGenerating || c.ArtworkError != "429 too many requests" {
		t.Fatalf("card = %+v", c)
	}
}

func TestFailArtworkDoesNotOverwriteGenerated(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	mustCreateCard(t, store, testCard("c1", "u1", card.HandGu), "user-1")
	now := baseTime.Add(time.Hour)
	if _, err := store.RequestArtworkJob(ctx, "c1", now, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("request artwork: %v", err)
	}
	if err := store.CompleteArtwork(ctx, "c1", storage.ArtworkResult{Bucket: "b", ObjectKey: "k", Generation: 1, MimeType: "image/png"}, now); err != nil {
		t.Fatalf("complete artwork: %v", err)
	}

	if err := store.FailArtwork(ctx, "c1", "late failure", now.Add(time.Minute)); err != nil {
		t.Fatalf("fail artwork: %v", err)
	}
	c, err := store.GetCard(ctx, "c1")
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if c.ArtworkStatus != card.ArtworkGenerated {
		t.Fatalf("status = %s, generated is immutable", c.ArtworkStatus)
	}
}
