package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/stickersync/internal/config"
	"github.com/schaermu/stickersync/internal/images"
	"github.com/schaermu/stickersync/internal/ledger"
	"github.com/schaermu/stickersync/internal/logging"
	"github.com/schaermu/stickersync/internal/sync"
	"github.com/schaermu/stickersync/internal/telegram"
	"github.com/schaermu/stickersync/internal/watch"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	batch     bool
	batchSize int
)

// errInterrupted is returned when the user stopped a run with a signal
var errInterrupted = errors.New("interrupted")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stickersync",
	Short: "Turn image folders into Telegram sticker packs",
	Long: `stickersync converts a folder of images into 512x512 WebP stickers, groups
them into packs and uploads them through a Telegram bot.

A local ledger records which images each pack already holds, so reruns only
upload what is missing.`,
	SilenceUsage: true,
}

var createCmd = &cobra.Command{
	Use:   "create <dir>",
	Short: "Prepare the images in a directory and upload them as sticker packs",
	Long: `Create converts every image in <dir> that has not been converted yet, then
uploads the prepared stickers the remote packs do not hold yet.

Without --batch a single pack receives at most 120 stickers. With --batch the
images are split into packs of --batch-size stickers each.

Relative directories are resolved against the storage directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <pack|all>",
	Short: "Delete a recorded sticker pack, or all of them",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare the ledger with the remote packs and prune missing ones",
	Args:  cobra.NoArgs,
	RunE:  runVerify,
}

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Run create now and again whenever new images appear",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stickersync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/stickersync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatAuto, "log format (auto, pretty, text, json)")

	// Create command flags
	createCmd.Flags().BoolVar(&batch, "batch", false, "split the images into several packs")
	createCmd.Flags().IntVar(&batchSize, "batch-size", 0, "stickers per pack in batch mode (default from config)")
	createCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	deleteCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be deleted without making changes")
	verifyCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report missing packs without pruning the ledger")

	watchCmd.Flags().BoolVar(&batch, "batch", false, "split the images into several packs")
	watchCmd.Flags().IntVar(&batchSize, "batch-size", 0, "stickers per pack in batch mode (default from config)")

	// Add commands
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return err
	}

	session := images.NewSession(logger)
	ctx, cancel := setupSignalHandler(session.Interrupt)
	defer cancel()

	cfg, err := loadCreateConfig(cmd, logger)
	if err != nil {
		return err
	}

	engine := newEngine(cfg, session, logger)
	if err := engine.Create(ctx, cfg.SourceDir(args[0]), batch); err != nil {
		if session.Interrupted() || errors.Is(err, context.Canceled) {
			logger.Warn("create interrupted, rerun to resume")
			return errInterrupted
		}
		logger.Error("create failed", "error", err)
		return err
	}

	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler(nil)
	defer cancel()

	logger, err := setupLogger()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, images.NewSession(logger), logger)
	if err := engine.Delete(ctx, args[0]); err != nil {
		logger.Error("delete failed", "error", err)
		return err
	}

	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler(nil)
	defer cancel()

	logger, err := setupLogger()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, images.NewSession(logger), logger)
	if _, err := engine.Verify(ctx); err != nil {
		logger.Error("verify failed", "error", err)
		return err
	}

	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return err
	}

	session := images.NewSession(logger)
	ctx, cancel := setupSignalHandler(session.Interrupt)
	defer cancel()

	cfg, err := loadCreateConfig(cmd, logger)
	if err != nil {
		return err
	}

	sourceDir := cfg.SourceDir(args[0])
	engine := newEngine(cfg, session, logger)
	watcher := watch.New(sourceDir, func(ctx context.Context) error {
		return engine.Create(ctx, sourceDir, batch)
	}, logger)

	if err := watcher.Start(ctx); err != nil {
		if session.Interrupted() || errors.Is(err, context.Canceled) {
			logger.Warn("watch interrupted, rerun to resume")
			return errInterrupted
		}
		return err
	}

	return nil
}

func setupLogger() (*slog.Logger, error) {
	handler, err := logging.NewHandler(os.Stdout, logFormat, &slog.HandlerOptions{Level: logging.ParseLevel(logLevel)})
	if err != nil {
		return nil, err
	}
	return slog.New(handler), nil
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// An explicit --config must exist; the default location is optional
	configPath := cfgFile
	required := configPath != ""
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	logger.Debug("loading configuration", "path", configPath, "required", required)

	cfg, err := config.Load(configPath, required)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"pack", cfg.Pack.Name,
		"batch_size", cfg.Batch.Size,
		"storage_dir", cfg.Paths.StorageDir)

	return cfg, nil
}

// loadCreateConfig loads the configuration and applies the create flags
func loadCreateConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("batch-size") {
		cfg.Batch.Size = batchSize
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid --batch-size: %w", err)
		}
	}
	if err := cfg.ValidateForCreate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func newEngine(cfg *config.Config, session *images.Session, logger *slog.Logger) *sync.Engine {
	var opts []telegram.Option
	if cfg.Bot.APIURL != "" {
		opts = append(opts, telegram.WithBaseURL(cfg.Bot.APIURL))
	}
	bot := telegram.NewClient(cfg.Bot.Token, opts...)
	store := ledger.NewStore(cfg.LedgerPath())
	preparer := images.NewPreparer(images.NewWebPConverter(), session, logger)
	return sync.NewEngine(cfg, bot, store, preparer, logger, dryRun)
}

// setupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
// onInterrupt runs before the context is cancelled.
func setupSignalHandler(onInterrupt func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			if onInterrupt != nil {
				onInterrupt()
			}
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
