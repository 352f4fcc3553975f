package images

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
)

// StickerSize is the edge length of the square sticker canvas in pixels
const StickerSize = 512

// Converter turns a source image into a prepared sticker file
type Converter interface {
	Convert(src, dst string) error
}

// WebPConverter resizes images onto a transparent square canvas and encodes
// them as lossless WebP
type WebPConverter struct {
	Size int
}

// NewWebPConverter creates a converter for the 512x512 sticker format
func NewWebPConverter() *WebPConverter {
	return &WebPConverter{Size: StickerSize}
}

// Convert reads src, fits it inside the canvas without cropping and writes
// the result to dst. dst only ever appears complete: the image is encoded to a
// temp file in the same directory and renamed into place.
func (c *WebPConverter) Convert(src, dst string) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(src), err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".stickersync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if err := nativewebp.Encode(tmpFile, Pad(img, c.Size), nil); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(dst), err)
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// Pad scales img to fit a size×size square, preserving aspect ratio, and
// centres it on a fully transparent canvas
func Pad(img image.Image, size int) *image.NRGBA {
	b := img.Bounds()
	w, h := FitDimensions(b.Dx(), b.Dy(), size)

	resized := imaging.Resize(img, w, h, imaging.Lanczos)
	canvas := imaging.New(size, size, color.NRGBA{R: 0, G: 0, B: 0, A: 0})
	return imaging.PasteCenter(canvas, resized)
}

// FitDimensions returns the largest w×h with the same aspect ratio that fits
// in a box×box square. Images smaller than the box are scaled up.
func FitDimensions(w, h, box int) (int, int) {
	if w <= 0 || h <= 0 {
		return box, box
	}

	scale := math.Min(float64(box)/float64(w), float64(box)/float64(h))
	fw := int(math.Round(float64(w) * scale))
	fh := int(math.Round(float64(h) * scale))

	return clamp(fw, 1, box), clamp(fh, 1, box)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
