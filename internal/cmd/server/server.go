// Package server parses server command flags and launches the HTTP service.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mkaneta/recabattle/internal/artwork"
	"github.com/mkaneta/recabattle/internal/imagegen"
	"github.com/mkaneta/recabattle/internal/objectstore"
	entrypoint "github.com/mkaneta/recabattle/internal/platform/cmd"
	"github.com/mkaneta/recabattle/internal/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

// Config holds server command configuration.
type Config struct {
	Addr      string `env:"RECABATTLE_ADDR" envDefault:":8080"`
	Env       string `env:"RECABATTLE_ENV" envDefault:"development"`
	DBPath    string `env:"RECABATTLE_DB_PATH" envDefault:"data/recabattle.db"`
	ObjectDir string `env:"RECABATTLE_OBJECT_DIR" envDefault:"data/objects"`
	Bucket    string `env:"RECABATTLE_BUCKET" envDefault:"recabattle-artworks"`
	CacheDir  string `env:"RECABATTLE_ARTWORK_CACHE_DIR" envDefault:"data/artwork-cache"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The HTTP listen address")
	fs.StringVar(&cfg.Env, "env", cfg.Env, "Deployment environment name (prefixes object keys)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The SQLite database path")
	fs.StringVar(&cfg.ObjectDir, "object-dir", cfg.ObjectDir, "The on-disk object store root")
	fs.StringVar(&cfg.Bucket, "bucket", cfg.Bucket, "The artwork bucket name")
	fs.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "The artwork serving disk cache dir")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run serves card artwork over HTTP until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(ctx context.Context) error {
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

		mux := http.NewServeMux()
		mux.Handle("/cards/", artwork.NewServer(pipeline, objects, cfg.CacheDir))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})

		httpServer := &http.Server{Addr: cfg.Addr, Handler: mux}
		serveErr := make(chan error, 1)
		go func() {
			serveErr <- httpServer.ListenAndServe()
		}()
		log.Printf("server listening at %s", cfg.Addr)

		select {
		case err := <-serveErr:
			return fmt.Errorf("serve http: %w", err)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
}
