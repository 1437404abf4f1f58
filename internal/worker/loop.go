// Package worker runs the background loop that drains the artwork job queue.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkaneta/recabattle/internal/imagegen"
	"github.com/mkaneta/recabattle/internal/storage"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 10
	defaultMaxAttempts  = 8

	baseRetryDelay = 10 * time.Second
	maxRetryDelay  = 600 * time.Second
)

// Executor performs one artwork generation attempt.
type Executor interface {
	// Execute runs one attempt. Retryable failures satisfy
	// errors.Is(err, imagegen.ErrTransient).
	Execute(ctx context.Context, cardID string) error
	// Fail marks the card's artwork failed once a job dies.
	Fail(ctx context.Context, cardID, message string) error
}

// Config controls the polling loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// Loop polls the artwork job queue and drives the executor.
type Loop struct {
	jobs     storage.ArtworkStore
	executor Executor
	config   Config
	now      func() time.Time
	tracer   trace.Tracer
}

// New returns a loop draining jobs with executor.
func New(jobs storage.ArtworkStore, executor Executor, cfg Config) *Loop {
	return &Loop{
		jobs:     jobs,
		executor: executor,
		config:   cfg.normalized(),
		now:      func() time.Time { return time.Now().UTC() },
		tracer:   otel.Tracer("recabattle/worker"),
	}
}

// WithClock overrides the loop clock.
func (l *Loop) WithClock(now func() time.Time) *Loop {
	l.now = now
	return l
}

// Run polls until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := l.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("artwork queue tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick claims and processes one batch of due jobs.
func (l *Loop) Tick(ctx context.Context) error {
	jobs, err := l.jobs.ClaimDueArtworkJobs(ctx, l.now(), l.config.BatchSize)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := l.process(ctx, job); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Printf("artwork job %s: %v", job.CardID, err)
		}
	}
	return nil
}

func (l *Loop) process(ctx context.Context, job storage.ArtworkJob) error {
	attempt := job.AttemptCount + 1
	ctx, span := l.tracer.Start(ctx, "worker.artwork_job",
		trace.WithAttributes(
			attribute.String("card.id", job.CardID),
			attribute.Int("job.attempt", attempt),
		))
	defer span.End()

	execErr := l.executor.Execute(ctx, job.CardID)
	if execErr == nil {
		span.SetStatus(codes.Ok, "")
		return l.jobs.CompleteArtworkJob(ctx, job.CardID)
	}
	span.RecordError(execErr)

	if !errors.Is(execErr, imagegen.ErrTransient) {
		// The executor already marked the card failed; the job is done.
		span.SetStatus(codes.Error, "permanent failure")
		if err := l.jobs.CompleteArtworkJob(ctx, job.CardID); err != nil {
			return errors.Join(execErr, err)
		}
		return execErr
	}

	if attempt >= l.config.MaxAttempts {
		span.SetStatus(codes.Error, "dead letter")
		if _, err := l.jobs.RetryArtworkJob(ctx, job.CardID, attempt, l.now(), execErr.Error(), l.now()); err != nil {
			return errors.Join(execErr, err)
		}
		if err := l.executor.Fail(ctx, job.CardID, execErr.Error()); err != nil {
			return errors.Join(execErr, err)
		}
		return execErr
	}

	span.SetStatus(codes.Error, "retry scheduled")
	nextAttemptAt := l.now().Add(RetryDelay(attempt))
	if _, err := l.jobs.RetryArtworkJob(ctx, job.CardID, attempt, nextAttemptAt, execErr.Error(), l.now()); err != nil {
		return errors.Join(execErr, err)
	}
	return execErr
}

// RetryDelay returns the backoff before the next attempt: 10s doubling per
// attempt, capped at 10 minutes.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := baseRetryDelay << (attempt - 1)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}
