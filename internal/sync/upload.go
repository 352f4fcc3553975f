package sync

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/schaermu/stickersync/internal/ledger"
)

// upload realizes a reconciled chunk remotely and records what was confirmed.
// The saved record lists only basenames the API accepted: a failed add stays
// out of the ledger, so the next run's reconcile offers it again. A failed
// creation leaves the ledger untouched.
// Remote failures are logged; only a cancelled context or a ledger write
// failure is returned.
func (e *Engine) upload(ctx context.Context, packName, packTitle string, delta *Delta) error {
	pending := append([]string(nil), delta.Files...)
	var uploaded []string
	var first string

	if !delta.Exists {
		first = pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		e.logger.Info("creating pack", "pack", packName, "first", filepath.Base(first))
		if err := e.bot.CreateStickerSet(ctx, e.cfg.Bot.UserID, packName, packTitle, e.sticker(first)); err != nil {
			e.logRemoteError("failed to create pack", packName, filepath.Base(first), err)
			return nil
		}
	}

	var cancelled error
	for i, path := range pending {
		if err := e.sleep(ctx, e.cfg.Upload.Delay); err != nil {
			cancelled = err
			break
		}

		name := filepath.Base(path)
		if err := e.bot.AddStickerToSet(ctx, e.cfg.Bot.UserID, packName, e.sticker(path)); err != nil {
			e.logRemoteError("failed to add sticker", packName, name, err)
			continue
		}
		uploaded = append(uploaded, name)
		e.logger.Debug("added sticker", "pack", packName, "file", name, "progress", fmt.Sprintf("%d/%d", i+1, len(pending)))
	}

	if first != "" {
		uploaded = append(uploaded, filepath.Base(first))
	}
	if len(uploaded) > 0 {
		if err := e.ledger.Save(e.record(packName, packTitle, delta, uploaded)); err != nil {
			return fmt.Errorf("failed to update ledger: %w", err)
		}
		e.logger.Info("pack updated",
			"pack", packName,
			"uploaded", len(uploaded),
			"failed", len(delta.Files)-len(uploaded),
			"share", ShareURL(packName))
	}

	return cancelled
}

// record builds the ledger entry after an upload: previously recorded files
// followed by the newly confirmed ones
func (e *Engine) record(packName, packTitle string, delta *Delta, uploaded []string) ledger.PackRecord {
	rec := ledger.PackRecord{
		PackName:  packName,
		PackTitle: packTitle,
		ShareURL:  ShareURL(packName),
	}
	if delta.Exists && delta.RemoteTitle != "" {
		rec.PackTitle = delta.RemoteTitle
	}
	if delta.Previous != nil {
		rec.Files = append(rec.Files, delta.Previous.Files...)
	}
	for _, name := range uploaded {
		if !rec.HasFile(name) {
			rec.Files = append(rec.Files, name)
		}
	}
	return rec
}
