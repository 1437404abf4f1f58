// Package artwork generates and serves card artwork. Generation runs
// asynchronously: requests enqueue a job, the worker drives Execute, and the
// card's artwork status tracks the outcome.
package artwork

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkaneta/recabattle/internal/card"
	"github.com/mkaneta/recabattle/internal/imagegen"
	"github.com/mkaneta/recabattle/internal/objectstore"
	"github.com/mkaneta/recabattle/internal/platform/id"
	"github.com/mkaneta/recabattle/internal/storage"
)

// GeneratingStaleness bounds how long a card may sit in generating before a
// new request treats the previous attempt as abandoned.
const GeneratingStaleness = 10 * time.Minute

const artworkMimeType = "image/png"

// Service drives the artwork pipeline.
type Service struct {
	store     storage.Store
	objects   objectstore.Store
	generator imagegen.Generator
	env       string
	now       func() time.Time
	newID     func() (string, error)
	tracer    trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides object key suffix generation.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(s *Service) { s.newID = newID }
}

// New returns an artwork service. env prefixes object keys so multiple
// deployments can share a bucket.
func New(store storage.Store, objects objectstore.Store, generator imagegen.Generator, env string, opts ...Option) *Service {
	s := &Service{
		store:     store,
		objects:   objects,
		generator: generator,
		env:       env,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     id.NewID,
		tracer:    otel.Tracer("recabattle/artwork"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request enqueues artwork generation for a card. Already-generated cards and
// fresh in-progress generations are left untouched.
func (s *Service) Request(ctx context.Context, cardID string) (storage.ArtworkRequestOutcome, error) {
	now := s.now()
	outcome, err := s.store.RequestArtworkJob(ctx, cardID, now, now.Add(-GeneratingStaleness))
	if err != nil {
		return "", fmt.Errorf("request artwork job: %w", err)
	}
	return outcome, nil
}

// Execute performs one generation attempt for a card. Transient provider
// failures are recorded on the card without leaving the generating state and
// returned wrapped in imagegen.ErrTransient so the caller retries; permanent
// failures mark the card failed.
func (s *Service) Execute(ctx context.Context, cardID string) error {
	ctx, span := s.tracer.Start(ctx, "artwork.execute",
		trace.WithAttributes(attribute.String("card.id", cardID)))
	defer span.End()

	c, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return fmt.Errorf("load card: %w", err)
	}
	if c.ArtworkStatus == card.ArtworkGenerated && c.ArtworkObjectKey != "" {
		return nil
	}

	prompt := BuildPrompt(c)
	generated, err := s.generator.Generate(ctx, imagegen.Request{
		Prompt:   prompt,
		Seed:     Seed(c),
		MimeType: artworkMimeType,
	})
	if err != nil {
		return s.recordFailure(ctx, c.ID, err)
	}

	key, err := s.objectKey(c.ID)
	if err != nil {
		return fmt.Errorf("build object key: %w", err)
	}
	info, err := s.objects.Put(ctx, key, generated.Bytes, artworkMimeType)
	if err != nil {
		return s.recordFailure(ctx, c.ID, fmt.Errorf("store artwork object: %w", err))
	}

	result := storage.ArtworkResult{
		Bucket:     info.Bucket,
		ObjectKey:  info.Key,
		Generation: info.Generation,
		MimeType:   artworkMimeType,
		Model:      generated.Model,
		Prompt:     prompt,
	}
	if err := s.store.CompleteArtwork(ctx, c.ID, result, s.now()); err != nil {
		return fmt.Errorf("complete artwork: %w", err)
	}
	return nil
}

// Card loads a card, resolving an abandoned generating state first: a card
// stuck generating past the staleness window flips to failed before it is
// returned.
func (s *Service) Card(ctx context.Context, cardID string) (card.Card, error) {
	c, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return card.Card{}, err
	}
	now := s.now()
	staleBefore := now.Add(-GeneratingStaleness)
	if c.ArtworkStatus != card.ArtworkGenerating || c.UpdatedAt.After(staleBefore) {
		return c, nil
	}
	reset, err := s.store.FailStaleArtwork(ctx, c.ID, staleBefore, now)
	if err != nil {
		return card.Card{}, fmt.Errorf("reset stale artwork: %w", err)
	}
	if !reset {
		return c, nil
	}
	return s.store.GetCard(ctx, cardID)
}

// Fail marks a card's artwork failed. The worker calls it when a job dies
// after exhausting its retries.
func (s *Service) Fail(ctx context.Context, cardID, message string) error {
	if err := s.store.FailArtwork(ctx, cardID, message, s.now()); err != nil {
		return fmt.Errorf("fail artwork: %w", err)
	}
	return nil
}

func (s *Service) recordFailure(ctx context.Context, cardID string, cause error) error {
	now := s.now()
	if imagegen.Transient(cause) {
		// Keep the card generating so polling clients keep waiting.
		if err := s.store.RecordArtworkTransientError(ctx, cardID, cause.Error(), now); err != nil {
			return errors.Join(cause, fmt.Errorf("record transient error: %w", err))
		}
		if errors.Is(cause, imagegen.ErrTransient) {
			return cause
		}
		return fmt.Errorf("%w: %s", imagegen.ErrTransient, cause.Error())
	}
	if err := s.store.FailArtwork(ctx, cardID, cause.Error(), now); err != nil {
		return errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}
	return cause
}

// Seed derives the deterministic image seed from the card's immutable
// attributes, so regeneration for an unchanged card converges on the same
// image.
func Seed(c card.Card) uint32 {
	identity := fmt.Sprintf("%s-%s-%s-%d-%s", c.ID, c.Name, c.Hand, c.AttackPower, c.Rarity)
	return crc32.ChecksumIEEE([]byte(identity))
}

// objectKey builds the date-partitioned object key for a card's artwork.
func (s *Service) objectKey(cardID string) (string, error) {
	suffix, err := s.newID()
	if err != nil {
		return "", err
	}
	now := s.now()
	return fmt.Sprintf("%s/card_artworks/%s/%s-%s.png", s.env, now.Format("2006/01/02"), cardID, suffix), nil
}
