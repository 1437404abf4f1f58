// Package cardfakes provides lightweight in-memory fakes for card, artwork,
// and battle tests.
package cardfakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkaneta/recabattle/internal/imagegen"
	"github.com/mkaneta/recabattle/internal/objectstore"
)

// Clock returns a fixed-time clock function.
func Clock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// Rand is a scripted random source. Intn pops the next scripted value,
// returning 0 once the script runs out.
type Rand struct {
	Script []int
	pos    int
}

func (r *Rand) Intn(n int) int {
	if r.pos >= len(r.Script) {
		return 0
	}
	v := r.Script[r.pos] % n
	r.pos++
	return v
}

// Generator is a scripted image generator fake.
type Generator struct {
	Bytes    []byte
	Model    string
	Err      error
	Calls    int
	Requests []imagegen.Request
}

func (g *Generator) Generate(_ context.Context, req imagegen.Request) (imagegen.Result, error) {
	g.Calls++
	g.Requests = append(g.Requests, req)
	if g.Err != nil {
		return imagegen.Result{}, g.Err
	}
	return imagegen.Result{Bytes: g.Bytes, Model: g.Model}, nil
}

type object struct {
	data        []byte
	contentType string
	generation  int64
}

// ObjectStore is an in-memory objectstore.Store fake.
type ObjectStore struct {
	Bucket string

	mu      sync.Mutex
	objects map[string]object
}

// NewObjectStore constructs an ObjectStore fake.
func NewObjectStore(bucket string) *ObjectStore {
	return &ObjectStore{Bucket: bucket, objects: make(map[string]object)}
}

func (s *ObjectStore) Put(_ context.Context, key string, data []byte, contentType string) (objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[key]
	obj.data = append([]byte(nil), data...)
	obj.contentType = contentType
	obj.generation++
	s.objects[key] = obj
	return objectstore.ObjectInfo{Bucket: s.Bucket, Key: key, Generation: obj.generation}, nil
}

func (s *ObjectStore) Get(_ context.Context, key string) ([]byte, objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("object %s: %w", key, objectstore.ErrNotFound)
	}
	return append([]byte(nil), obj.data...), objectstore.ObjectInfo{Bucket: s.Bucket, Key: key, Generation: obj.generation}, nil
}

// Len reports how many objects the store holds.
func (s *ObjectStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
