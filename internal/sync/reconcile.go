package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// ErrStaleRemote is returned when a pack exists remotely but there is no
// local ledger at all. The remote state may lag behind a recent deletion, and
// creating the pack again would fail or duplicate it.
var ErrStaleRemote = errors.New("remote pack exists without a local ledger")

// reconcile computes what a chunk still needs for packName
func (e *Engine) reconcile(ctx context.Context, packName string, chunk []string) (*Delta, error) {
	set := e.remotePack(ctx, packName)
	if set == nil {
		return &Delta{Files: append([]string(nil), chunk...)}, nil
	}

	delta := &Delta{Exists: true, RemoteTitle: set.Title}

	if !e.ledger.Exists() {
		e.logger.Error("pack exists remotely but no ledger was found, the remote state may still be updating; wait a few minutes and retry",
			"pack", packName,
			"ledger", e.ledger.Path())
		return nil, fmt.Errorf("%w: %s", ErrStaleRemote, packName)
	}

	rec, ok, err := e.ledger.Find(packName)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if !ok {
		e.logger.Warn("pack exists remotely but is missing from the ledger", "pack", packName)
		delta.Files = append([]string(nil), chunk...)
		return delta, nil
	}

	delta.Previous = &rec
	for _, path := range chunk {
		if !rec.HasFile(filepath.Base(path)) {
			delta.Files = append(delta.Files, path)
		}
	}

	e.logger.Debug("reconciled chunk",
		"pack", packName,
		"remote_count", len(set.Stickers),
		"recorded", len(rec.Files),
		"missing", len(delta.Files))
	return delta, nil
}
