// Package worker parses worker command flags and launches the artwork worker.
package worker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mkaneta/recabattle/internal/artwork"
	"github.com/mkaneta/recabattle/internal/imagegen"
	"github.com/mkaneta/recabattle/internal/objectstore"
	entrypoint "github.com/mkaneta/recabattle/internal/platform/cmd"
	"github.com/mkaneta/recabattle/internal/storage/sqlite"
	workerloop "github.com/mkaneta/recabattle/internal/worker"
)

// Config holds worker command configuration.
type Config struct {
	Env          string        `env:"RECABATTLE_ENV" envDefault:"development"`
	DBPath       string        `env:"RECABATTLE_DB_PATH" envDefault:"data/recabattle.db"`
	ObjectDir    string        `env:"RECABATTLE_OBJECT_DIR" envDefault:"data/objects"`
	Bucket       string        `env:"RECABATTLE_BUCKET" envDefault:"recabattle-artworks"`
	PollInterval time.Duration `env:"RECABATTLE_WORKER_POLL_INTERVAL" envDefault:"2s"`
	BatchSize    int           `env:"RECABATTLE_WORKER_BATCH_SIZE" envDefault:"10"`
	MaxAttempts  int           `env:"RECABATTLE_WORKER_MAX_ATTEMPTS" envDefault:"8"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Env, "env", cfg.Env, "Deployment environment name (prefixes object keys)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The SQLite database path")
	fs.StringVar(&cfg.ObjectDir, "object-dir", cfg.ObjectDir, "The on-disk object store root")
	fs.StringVar(&cfg.Bucket, "bucket", cfg.Bucket, "The artwork bucket name")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Artwork job poll interval")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Maximum jobs claimed per poll")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum generation attempts before dead-letter")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the artwork worker loop and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWorker, func(ctx context.Context) error {
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create storage dir: %w", err)
			}
		}
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				log.Printf("close sqlite store: %v", closeErr)
			}
		}()

		objects, err := objectstore.NewDir(cfg.Bucket, cfg.ObjectDir)
		if err != nil {
			return fmt.Errorf("open object store: %w", err)
		}

		pipeline := artwork.New(store, objects, imagegen.Local{}, cfg.Env)
		loop := workerloop.New(store, pipeline, workerloop.Config{
			PollInterval: cfg.PollInterval,
			BatchSize:    cfg.BatchSize,
			MaxAttempts:  cfg.MaxAttempts,
		})

		log.Printf("artwork worker polling every %s", cfg.PollInterval)
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}
