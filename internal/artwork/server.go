package artwork

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/mkaneta/recabattle/internal/card"
	"github.com/mkaneta/recabattle/internal/objectstore"
	"github.com/mkaneta/recabattle/internal/storage"
)

const (
	// cacheControlImmutable applies when the request pins the exact object
	// generation: those bytes never change.
	cacheControlImmutable = "public, max-age=31536000, immutable"
	// cacheControlShort applies when no generation is pinned; a regenerated
	// artwork should show up quickly.
	cacheControlShort = "public, max-age=30"
)

// CardResolver loads cards with any stale generating state already resolved.
// *Service implements it.
type CardResolver interface {
	Card(ctx context.Context, cardID string) (card.Card, error)
}

// Server serves card artwork over HTTP. Generated artwork is cached on local
// disk keyed by object identity so repeated requests skip the object store.
type Server struct {
	cards    CardResolver
	objects  objectstore.Store
	cacheDir string

	mu sync.Mutex
}

// NewServer returns an artwork HTTP server caching fetched objects under
// cacheDir. An empty cacheDir disables the disk cache.
func NewServer(cards CardResolver, objects objectstore.Store, cacheDir string) *Server {
	return &Server{cards: cards, objects: objects, cacheDir: cacheDir}
}

// ServeHTTP handles GET /cards/{id}/artwork. A ?v=<generation> query pinning
// the served generation makes the response immutable-cacheable.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cardID := cardIDFromPath(r.URL.Path)
	if cardID == "" {
		http.NotFound(w, r)
		return
	}

	c, err := s.cards.Card(r.Context(), cardID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "load card", http.StatusInternalServerError)
		return
	}

	if c.ArtworkStatus != card.ArtworkGenerated || c.ArtworkObjectKey == "" {
		s.servePlaceholder(w, c)
		return
	}

	data, info, err := s.fetch(r, c)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			// Status says generated but the object is gone; show the
			// placeholder rather than a broken image.
			s.servePlaceholder(w, c)
			return
		}
		http.Error(w, "load artwork", http.StatusInternalServerError)
		return
	}

	etag := fmt.Sprintf("%q", fmt.Sprintf("%s-%s-%s-%d-%d",
		c.ArtworkStatus, c.ArtworkBucket, c.ArtworkObjectKey, info.Generation, c.UpdatedAt.UnixMilli()))
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", c.ArtworkMimeType)
	if pinsGeneration(r, info.Generation) {
		w.Header().Set("Cache-Control", cacheControlImmutable)
	} else {
		w.Header().Set("Cache-Control", cacheControlShort)
	}
	http.ServeContent(w, r, path.Base(c.ArtworkObjectKey), c.UpdatedAt, bytes.NewReader(data))
}

// fetch returns the artwork bytes, consulting the disk cache first.
func (s *Server) fetch(r *http.Request, c card.Card) ([]byte, objectstore.ObjectInfo, error) {
	info := objectstore.ObjectInfo{
		Bucket:     c.ArtworkBucket,
		Key:        c.ArtworkObjectKey,
		Generation: c.ArtworkGeneration,
	}
	cachePath := s.cachePath(c)
	if cachePath != "" {
		s.mu.Lock()
		data, err := os.ReadFile(cachePath)
		s.mu.Unlock()
		if err == nil {
			return data, info, nil
		}
	}

	data, fetched, err := s.objects.Get(r.Context(), c.ArtworkObjectKey)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	if cachePath != "" {
		s.mu.Lock()
		if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err == nil {
			_ = os.WriteFile(cachePath, data, 0o644)
		}
		s.mu.Unlock()
	}
	return data, fetched, nil
}

// cachePath keys the disk cache by the full object identity so regenerated
// artwork never serves stale bytes.
func (s *Server) cachePath(c card.Card) string {
	if s.cacheDir == "" {
		return ""
	}
	sum := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s|%s|%d", c.ID, c.ArtworkObjectKey, c.ArtworkGeneration)))
	return filepath.Join(s.cacheDir, fmt.Sprintf("%08x.bin", sum))
}

func (s *Server) servePlaceholder(w http.ResponseWriter, c card.Card) {
	data, err := placeholderPNG(c.Rarity)
	if err != nil {
		http.Error(w, "render placeholder", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", cacheControlShort)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// cardIDFromPath extracts {id} from /cards/{id}/artwork.
func cardIDFromPath(p string) string {
	p = strings.Trim(path.Clean(p), "/")
	parts := strings.Split(p, "/")
	if len(parts) != 3 || parts[0] != "cards" || parts[2] != "artwork" {
		return ""
	}
	return parts[1]
}

func pinsGeneration(r *http.Request, generation int64) bool {
	v := r.URL.Query().Get("v")
	if v == "" {
		return false
	}
	pinned, err := strconv.ParseInt(v, 10, 64)
	return err == nil && pinned == generation
}

var rarityTints = map[card.Rarity]color.RGBA{
	card.RarityNormal: {0x6e, 0x6e, 0x78, 0xff},
	card.RarityBronze: {0xb0, 0x6d, 0x3a, 0xff},
	card.RaritySilver: {0xa8, 0xb0, 0xbd, 0xff},
	card.RarityGold:   {0xd4, 0xa9, 0x2c, 0xff},
	card.RarityLegend: {0x8a, 0x3f, 0xc4, 0xff},
}

var placeholderCache sync.Map

// placeholderPNG renders a rarity-tinted stand-in image served while artwork
// is pending, generating, or failed.
func placeholderPNG(rarity card.Rarity) ([]byte, error) {
	if cached, ok := placeholderCache.Load(rarity); ok {
		return cached.([]byte), nil
	}
	tint, ok := rarityTints[rarity]
	if !ok {
		tint = rarityTints[card.RarityNormal]
	}

	const size = 256
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		// Vertical gradient toward black keeps the image visibly a stand-in.
		fade := 1.0 - float64(y)/float64(2*size)
		row := color.RGBA{
			R: uint8(float64(tint.R) * fade),
			G: uint8(float64(tint.G) * fade),
			B: uint8(float64(tint.B) * fade),
			A: 0xff,
		}
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, row)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode placeholder: %w", err)
	}
	placeholderCache.Store(rarity, buf.Bytes())
	return buf.Bytes(), nil
}
