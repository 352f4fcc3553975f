package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/stickersync/internal/config"
	"github.com/schaermu/stickersync/internal/images"
	"github.com/schaermu/stickersync/internal/ledger"
	"github.com/schaermu/stickersync/internal/retry"
	"github.com/schaermu/stickersync/internal/telegram"
)

// Transport is the remote sticker service
type Transport interface {
	GetMe(ctx context.Context) (*telegram.User, error)
	CreateStickerSet(ctx context.Context, userID int64, name, title string, sticker telegram.Upload) error
	AddStickerToSet(ctx context.Context, userID int64, name string, sticker telegram.Upload) error
	GetStickerSet(ctx context.Context, name string) (*telegram.StickerSet, error)
	DeleteStickerSet(ctx context.Context, name string) (bool, error)
}

// Preparer produces the prepared image list for a source directory
type Preparer interface {
	Prepare(ctx context.Context, sourceDir, packName string) ([]string, error)
}

// Engine orchestrates pack creation, verification and deletion
type Engine struct {
	cfg      *config.Config
	bot      Transport
	ledger   *ledger.Store
	preparer Preparer
	logger   *slog.Logger
	dryRun   bool

	sleep func(ctx context.Context, d time.Duration) error
	me    *telegram.User
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, bot Transport, store *ledger.Store, preparer Preparer, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:      cfg,
		bot:      bot,
		ledger:   store,
		preparer: preparer,
		logger:   logger,
		dryRun:   dryRun,
		sleep:    retry.Sleep,
	}
}

// ShareURL returns the public link for a pack
func ShareURL(packName string) string {
	return telegram.ShareURLPrefix + packName
}

// Create prepares the images in sourceDir and uploads whatever the remote
// packs are still missing. Chunks are processed in order; a validation
// failure stops the remaining chunks.
func (e *Engine) Create(ctx context.Context, sourceDir string, batch bool) error {
	start := time.Now()
	e.logger.Info("starting create",
		"source", sourceDir,
		"pack", e.cfg.Pack.Name,
		"batch", batch,
		"dry_run", e.dryRun)

	prepared, err := e.preparer.Prepare(ctx, sourceDir, e.cfg.Pack.Name)
	if err != nil {
		if errors.Is(err, images.ErrSourceNotFound) {
			e.logger.Error("no images found", "error", err)
			return nil
		}
		return fmt.Errorf("failed to prepare images: %w", err)
	}
	if len(prepared) == 0 {
		e.logger.Warn("no prepared images to upload", "source", sourceDir)
		return nil
	}

	me, err := e.identify(ctx)
	if err != nil {
		return err
	}

	if batch {
		e.logger.Info("batch mode", "batch_size", e.cfg.Batch.Size)
	} else if len(prepared) > MaxPackSize {
		e.logger.Warn("running without batch mode, only the first images are added",
			"limit", MaxPackSize,
			"available", len(prepared))
	}

	chunks := Plan(prepared, batch, e.cfg.Batch.Size)
	e.logger.Info("upload plan", "images", len(prepared), "chunks", len(chunks))

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		packName := PackName(e.cfg.Pack.Name, chunk.Index, me.Username)
		packTitle := PackTitle(e.cfg.Pack.Title, chunk.Through, len(prepared))

		delta, err := e.reconcile(ctx, packName, chunk.Files)
		if err != nil {
			return err
		}
		if len(delta.Files) == 0 {
			e.logger.Warn("skipped batch, nothing to upload",
				"batch", fmt.Sprintf("%d/%d", chunk.Index, len(chunks)),
				"pack", packName)
			continue
		}

		if err := ValidatePackName(packName); err != nil {
			e.logger.Error("follow the remote naming rules for pack names (letters, digits, underscores)", "error", err)
			return err
		}
		if err := ValidatePackTitle(packTitle); err != nil {
			e.logger.Error("pack title is not accepted by the remote service", "error", err)
			return err
		}

		e.logger.Info("processing batch",
			"batch", fmt.Sprintf("%d/%d", chunk.Index, len(chunks)),
			"pack", packName,
			"title", packTitle,
			"share", ShareURL(packName))

		if e.dryRun {
			e.logDeltaDetails(packName, delta)
			continue
		}

		if err := e.upload(ctx, packName, packTitle, delta); err != nil {
			return err
		}
	}

	if e.dryRun {
		e.logger.Info("dry-run complete, no changes applied")
	}
	e.logger.Info("create completed", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// identify fetches and caches the bot's own user
func (e *Engine) identify(ctx context.Context) (*telegram.User, error) {
	if e.me != nil {
		return e.me, nil
	}

	me, err := e.bot.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to identify bot: %w", err)
	}
	if me.Username == "" {
		return nil, fmt.Errorf("failed to identify bot: no username returned")
	}

	e.logger.Info("bot identified", "username", me.Username, "id", me.ID)
	e.me = me
	return me, nil
}

// remotePack looks up a pack, treating every failure as "absent"
func (e *Engine) remotePack(ctx context.Context, packName string) *telegram.StickerSet {
	set, err := e.bot.GetStickerSet(ctx, packName)
	if err != nil {
		if errors.Is(err, telegram.ErrPackNotFound) {
			e.logger.Debug("sticker set not found", "pack", packName)
		} else {
			e.logger.Error("failed to get sticker set", "pack", packName, "error", err)
		}
		return nil
	}
	return set
}

// logRemoteError logs a failed remote mutation with extra guidance for
// errors the user can fix
func (e *Engine) logRemoteError(msg, packName, file string, err error) {
	e.logger.Error(msg, "pack", packName, "file", file, "error", err)
	if errors.Is(err, telegram.ErrUserNotFound) {
		bot := "the bot"
		if e.me != nil {
			bot = "@" + e.me.Username
		}
		e.logger.Error(fmt.Sprintf("no user found with id %d, send %s a message first", e.cfg.Bot.UserID, bot))
	}
}

// sticker builds the upload for a prepared image
func (e *Engine) sticker(path string) telegram.Upload {
	return telegram.Upload{Path: path, Emoji: e.cfg.Pack.Emoji}
}

// logDeltaDetails logs what an upload would do, for dry-run
func (e *Engine) logDeltaDetails(packName string, delta *Delta) {
	if !delta.Exists {
		e.logger.Info("[dry-run] would create pack", "pack", packName, "first", filepath.Base(delta.Files[len(delta.Files)-1]))
	}
	names := make([]string, 0, len(delta.Files))
	for _, f := range delta.Files {
		names = append(names, filepath.Base(f))
	}
	e.logger.Info("[dry-run] would upload", "pack", packName, "count", len(names), "files", strings.Join(names, ","))
}
