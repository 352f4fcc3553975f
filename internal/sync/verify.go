package sync

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/schaermu/stickersync/internal/telegram"
)

// VerifyReport summarizes a verify sweep
type VerifyReport struct {
	Consistent []string
	Mismatched []string
	Pruned     []string
	Unchecked  []string // lookup failed for a reason other than "not found"
}

// Verify compares every ledger record with its remote pack. Records whose
// pack no longer exists remotely are removed from the ledger.
func (e *Engine) Verify(ctx context.Context) (*VerifyReport, error) {
	records, err := e.ledger.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("no ledger found, nothing to verify", "ledger", e.ledger.Path())
			return &VerifyReport{}, nil
		}
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	if len(records) == 0 {
		e.logger.Info("ledger is empty, nothing to verify")
		return &VerifyReport{}, nil
	}

	report := &VerifyReport{}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		set, err := e.bot.GetStickerSet(ctx, rec.PackName)
		switch {
		case errors.Is(err, telegram.ErrPackNotFound):
			if e.dryRun {
				e.logger.Info("[dry-run] would remove record of missing pack", "pack", rec.PackName)
				report.Pruned = append(report.Pruned, rec.PackName)
				continue
			}
			if _, err := e.ledger.Remove(rec.PackName); err != nil {
				return report, fmt.Errorf("failed to update ledger: %w", err)
			}
			e.logger.Warn("pack not found remotely, removed from ledger", "pack", rec.PackName)
			report.Pruned = append(report.Pruned, rec.PackName)
		case err != nil:
			e.logger.Error("failed to get sticker set, record left unchanged", "pack", rec.PackName, "error", err)
			report.Unchecked = append(report.Unchecked, rec.PackName)
		case len(set.Stickers) == len(rec.Files):
			e.logger.Info("pack is consistent", "pack", rec.PackName, "stickers", len(set.Stickers))
			report.Consistent = append(report.Consistent, rec.PackName)
		default:
			e.logger.Warn("pack sticker count differs from ledger",
				"pack", rec.PackName,
				"remote", len(set.Stickers),
				"local", len(rec.Files))
			report.Mismatched = append(report.Mismatched, rec.PackName)
		}
	}

	e.logger.Info("verify completed",
		"consistent", len(report.Consistent),
		"mismatched", len(report.Mismatched),
		"pruned", len(report.Pruned),
		"unchecked", len(report.Unchecked))
	return report, nil
}
