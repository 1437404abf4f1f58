package imagegen

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
)

const localModel = "local-procedural-v1"

// Local renders card artwork procedurally from the request seed. It exists so
// the worker runs end to end without an external image provider; the same
// seed always yields the same image.
type Local struct {
	// Size is the square image edge in pixels. Zero means 512.
	Size int
}

// Generate satisfies Generator.
func (l Local) Generate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	size := l.Size
	if size <= 0 {
		size = 512
	}

	rng := rand.New(rand.NewSource(int64(req.Seed)))
	base := color.RGBA{
		R: uint8(64 + rng.Intn(160)),
		G: uint8(64 + rng.Intn(160)),
		B: uint8(64 + rng.Intn(160)),
		A: 0xff,
	}

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, base)
		}
	}
	// Scatter brighter blobs so the image is not a flat fill.
	for i := 0; i < 48; i++ {
		cx, cy := rng.Intn(size), rng.Intn(size)
		radius := 8 + rng.Intn(size/8)
		glow := color.RGBA{
			R: uint8(min(255, int(base.R)+64+rng.Intn(64))),
			G: uint8(min(255, int(base.G)+64+rng.Intn(64))),
			B: uint8(min(255, int(base.B)+64+rng.Intn(64))),
			A: 0xff,
		}
		for dy := -radius; dy <= radius; dy++ {
			for dx := -radius; dx <= radius; dx++ {
				if dx*dx+dy*dy > radius*radius {
					continue
				}
				x, y := cx+dx, cy+dy
				if x < 0 || x >= size || y < 0 || y >= size {
					continue
				}
				img.SetRGBA(x, y, glow)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Result{}, fmt.Errorf("encode generated image: %w", err)
	}
	return Result{Bytes: buf.Bytes(), Model: localModel}, nil
}
