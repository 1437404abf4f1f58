package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Dir is a filesystem-backed Store rooted at a directory. Each object is a
// data file plus a JSON sidecar carrying generation and content type.
type Dir struct {
	bucket string
	root   string

	mu sync.Mutex
}

// NewDir returns a Dir store writing under root, reported as bucket.
func NewDir(bucket, root string) (*Dir, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("object store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &Dir{bucket: bucket, root: filepath.Clean(root)}, nil
}

type sidecar struct {
	Generation  int64  `json:"generation"`
	ContentType string `json:"content_type"`
}

// Put writes data under key, bumping the generation when the key exists.
func (d *Dir) Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	dataPath, metaPath, err := d.paths(key)
	if err != nil {
		return ObjectInfo{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	meta := sidecar{Generation: 0, ContentType: contentType}
	if existing, err := readSidecar(metaPath); err == nil {
		meta.Generation = existing.Generation
	}
	meta.Generation++
	meta.ContentType = contentType

	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return ObjectInfo{}, fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(dataPath, data, 0o644); err != nil {
		return ObjectInfo{}, fmt.Errorf("write object %s: %w", key, err)
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("encode object metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, encoded, 0o644); err != nil {
		return ObjectInfo{}, fmt.Errorf("write object metadata %s: %w", key, err)
	}

	return ObjectInfo{Bucket: d.bucket, Key: key, Generation: meta.Generation}, nil
}

// Get reads the object at key.
func (d *Dir) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}
	dataPath, metaPath, err := d.paths(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ObjectInfo{}, fmt.Errorf("object %s: %w", key, ErrNotFound)
		}
		return nil, ObjectInfo{}, fmt.Errorf("read object %s: %w", key, err)
	}
	meta, err := readSidecar(metaPath)
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("read object metadata %s: %w", key, err)
	}
	return data, ObjectInfo{Bucket: d.bucket, Key: key, Generation: meta.Generation}, nil
}

// paths resolves key inside the root and rejects traversal outside it.
func (d *Dir) paths(key string) (string, string, error) {
	if strings.TrimSpace(key) == "" {
		return "", "", fmt.Errorf("object key is required")
	}
	dataPath := filepath.Join(d.root, filepath.FromSlash(key))
	if !strings.HasPrefix(dataPath, d.root+string(filepath.Separator)) {
		return "", "", fmt.Errorf("object key %q escapes the store root", key)
	}
	return dataPath, dataPath + ".meta.json", nil
}

func readSidecar(path string) (sidecar, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return sidecar{}, err
	}
	var meta sidecar
	if err := json.Unmarshal(encoded, &meta); err != nil {
		return sidecar{}, err
	}
	return meta, nil
}
