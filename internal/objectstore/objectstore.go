// Package objectstore abstracts the blob store artwork bytes live in.
package objectstore

import (
	"context"
	"errors"
)

// ErrNotFound indicates no object exists at the requested key.
var ErrNotFound = errors.New("object not found")

// ObjectInfo identifies one stored object version.
type ObjectInfo struct {
	Bucket     string
	Key        string
	Generation int64
}

// Store reads and writes immutable blobs. Writing the same key again bumps
// the generation.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)
}
