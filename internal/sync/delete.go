package sync

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/schaermu/stickersync/internal/ledger"
)

// DeleteAll selects every ledger record in Delete
const DeleteAll = "all"

// Delete removes the pack named target, or every recorded pack when target is
// "all". Each record is removed from the ledger as soon as its remote
// deletion succeeds, so a partial failure leaves an accurate ledger.
func (e *Engine) Delete(ctx context.Context, target string) error {
	records, err := e.ledger.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("no ledger found, nothing to delete", "ledger", e.ledger.Path())
			return nil
		}
		return fmt.Errorf("failed to load ledger: %w", err)
	}

	var selected []ledger.PackRecord
	for _, rec := range records {
		if target == DeleteAll || rec.PackName == target {
			selected = append(selected, rec)
		}
	}
	if len(selected) == 0 {
		e.logger.Warn("no matching pack in ledger, run verify to resync", "target", target)
		return nil
	}

	var failed []string
	for _, rec := range selected {
		if err := ctx.Err(); err != nil {
			return err
		}

		if e.dryRun {
			e.logger.Info("[dry-run] would delete pack", "pack", rec.PackName)
			continue
		}

		ok, err := e.bot.DeleteStickerSet(ctx, rec.PackName)
		if err != nil || !ok {
			e.logger.Error("failed to delete pack", "pack", rec.PackName, "error", err)
			failed = append(failed, rec.PackName)
			continue
		}

		if _, err := e.ledger.Remove(rec.PackName); err != nil {
			return fmt.Errorf("failed to update ledger after deleting %s: %w", rec.PackName, err)
		}
		e.logger.Info("pack deleted", "pack", rec.PackName)
	}

	if len(failed) > 0 {
		return fmt.Errorf("failed to delete %d of %d packs: %v", len(failed), len(selected), failed)
	}
	return nil
}
