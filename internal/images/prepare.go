// Package images turns a directory of source images into prepared sticker
// files, resuming from whatever a previous run already converted.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

var (
	// ErrSourceNotFound is returned when the source directory does not exist
	ErrSourceNotFound = errors.New("source directory not found")
	// ErrInterrupted is returned when preparation stopped because of an interrupt
	ErrInterrupted = errors.New("preparation interrupted")
)

// Preparer converts source images into the per-pack output directory
type Preparer struct {
	converter Converter
	session   *Session
	logger    *slog.Logger
}

// NewPreparer creates a new preparer
func NewPreparer(converter Converter, session *Session, logger *slog.Logger) *Preparer {
	return &Preparer{
		converter: converter,
		session:   session,
		logger:    logger,
	}
}

// OutputDir returns the directory prepared images for packName are written to
func OutputDir(sourceDir, packName string) string {
	return filepath.Join(sourceDir, packName)
}

// Prepare converts every convertible image in sourceDir that has no prepared
// counterpart yet, copies already prepared images forward, and returns the
// full paths of all prepared images in directory order.
func (p *Preparer) Prepare(ctx context.Context, sourceDir, packName string) ([]string, error) {
	if _, err := os.Stat(sourceDir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, sourceDir)
		}
		return nil, err
	}

	p.logger.Info("initializing images", "dir", sourceDir)
	files, err := ListFiles(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list source images: %w", err)
	}
	p.logger.Info("loaded images", "count", len(files))

	var ready, pending []string
	for _, f := range files {
		if IsReady(f) {
			ready = append(ready, f)
		} else {
			pending = append(pending, f)
		}
	}

	outDir := OutputDir(sourceDir, packName)
	if _, err := os.Stat(outDir); os.IsNotExist(err) {
		p.logger.Info("creating output directory", "dir", outDir)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := p.convertAll(ctx, pending, ready, outDir); err != nil {
		return nil, err
	}

	// Copy forward images that needed no conversion
	for _, src := range ready {
		dst := filepath.Join(outDir, filepath.Base(src))
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		p.logger.Info("copying to output directory", "file", filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			p.logger.Error("failed to copy image", "file", filepath.Base(src), "error", err)
		}
	}

	prepared, err := ListFiles(outDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list prepared images: %w", err)
	}
	return prepared, nil
}

// convertAll converts the pending images one at a time, skipping those with
// existing output and those in unsupported formats. Sources whose output name
// is already claimed by a ready image or an earlier source are skipped too.
func (p *Preparer) convertAll(ctx context.Context, pending, ready []string, outDir string) error {
	claimed := make(map[string]string, len(pending)+len(ready))
	for _, src := range ready {
		claimed[filepath.Base(src)] = filepath.Base(src)
	}

	var todo []string
	for _, src := range pending {
		if !IsConvertible(src) {
			p.logger.Warn("unsupported format", "file", filepath.Base(src))
			continue
		}

		out := OutputName(src)
		if other, ok := claimed[out]; ok {
			p.logger.Warn("image name collides, skipping",
				"file", filepath.Base(src), "other", other, "output", out)
			continue
		}
		claimed[out] = filepath.Base(src)

		if _, err := os.Stat(filepath.Join(outDir, out)); err == nil {
			p.logger.Warn("image exists", "file", filepath.Base(src))
			continue
		}
		todo = append(todo, src)
	}

	if len(todo) == 0 {
		p.logger.Info("no images to convert", "dir", outDir)
		return nil
	}

	for i, src := range todo {
		if p.session.Interrupted() {
			return ErrInterrupted
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		name := filepath.Base(src)
		dst := filepath.Join(outDir, OutputName(src))

		p.logger.Info("converting to webp", "progress", fmt.Sprintf("%d/%d", i+1, len(todo)), "file", name)

		p.session.Track(dst)
		err := p.converter.Convert(src, dst)
		p.session.Done()

		if err != nil {
			p.logger.Error("failed to convert image", "file", name, "error", err)
			continue
		}
	}
	return nil
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".stickersync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}
