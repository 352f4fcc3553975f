// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

// WriteImage writes a solid w×h image to dir/name, encoded according to the
// name's extension (png, jpg, jpeg, gif, bmp, tif). It returns the full path.
func WriteImage(t testing.TB, dir, name string, w, h int) string {
	t.Helper()

	img := imaging.New(w, h, color.NRGBA{R: 200, G: 40, B: 90, A: 255})
	path := filepath.Join(dir, name)
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("write image %s: %v", path, err)
	}
	return path
}

// WriteFile writes raw content to dir/name, creating parent directories
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// WriteNumbered writes count placeholder files named <prefix><NNN><ext>
// (zero padded, so lexical order equals numeric order) and returns their names.
func WriteNumbered(t testing.TB, dir, prefix, ext string, count int) []string {
	t.Helper()

	names := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		name := fmt.Sprintf("%s%03d%s", prefix, i, ext)
		WriteFile(t, dir, name, "img")
		names = append(names, name)
	}
	return names
}

// Bounds decodes the image at path and returns its bounds
func Bounds(t testing.TB, path string) image.Rectangle {
	t.Helper()

	img, err := imaging.Open(path)
	if err != nil {
		t.Fatalf("open image %s: %v", path, err)
	}
	return img.Bounds()
}
