package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/stickersync/internal/ledger"
)

// AppName names the XDG subdirectories used by default
const AppName = "stickersync"

const (
	// DefaultBatchSize is the number of stickers per pack in batch mode
	DefaultBatchSize = 50
	// MaxBatchSize is the largest pack the remote service accepts
	MaxBatchSize = 120
	// DefaultUploadDelay is the pause before each add-sticker request
	DefaultUploadDelay = time.Second
)

// Environment variables that override file values (the names used by .env files)
const (
	EnvBotToken   = "BOT_TOKEN"
	EnvUserID     = "USER_ID"
	EnvPackName   = "STICKER_PACK_NAME"
	EnvPackTitle  = "STICKER_PACK_TITLE"
	EnvBatchSize  = "BATCH_SIZE"
	EnvEmoji      = "STICKER_EMOJI"
	EnvStorageDir = "STICKERSYNC_STORAGE_DIR"
	EnvAPIURL     = "BOT_API_URL"
)

var botTokenPattern = regexp.MustCompile(`^\d{9,10}:[A-Za-z0-9_-]{35}$`)

// Config represents the complete stickersync configuration
type Config struct {
	Bot    BotConfig    `yaml:"bot"`
	Pack   PackConfig   `yaml:"pack"`
	Batch  BatchConfig  `yaml:"batch"`
	Upload UploadConfig `yaml:"upload"`
	Paths  PathsConfig  `yaml:"paths"`
}

// BotConfig configures the Bot API credentials
type BotConfig struct {
	Token  string `yaml:"token"`
	UserID int64  `yaml:"user_id"` // owner of the created packs
	APIURL string `yaml:"api_url"` // self-hosted Bot API server, optional
}

// PackConfig configures how packs are named
type PackConfig struct {
	Name  string `yaml:"name"`
	Title string `yaml:"title"`
	Emoji string `yaml:"emoji"` // random per sticker when empty
}

// BatchConfig configures batch mode
type BatchConfig struct {
	Size int `yaml:"size"`
}

// UploadConfig configures upload pacing
type UploadConfig struct {
	Delay time.Duration `yaml:"delay"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StorageDir string `yaml:"storage_dir"`
}

// DefaultPath returns the config file location under XDG_CONFIG_HOME
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// Load reads the configuration. The YAML file at path is optional when
// required is false. Values from .env files (working directory, then storage
// directory) and the process environment override the file.
func Load(path string, required bool) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Load .env from the working directory; existing variables win
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
		// environment-only configuration
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// A .env next to the ledger is the original layout of the tool
	if err := loadDotEnv(filepath.Join(cfg.Paths.StorageDir, ".env")); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Bot.Token = os.ExpandEnv(c.Bot.Token)
	c.Bot.APIURL = os.ExpandEnv(c.Bot.APIURL)
	c.Pack.Name = os.ExpandEnv(c.Pack.Name)
	c.Pack.Title = os.ExpandEnv(c.Pack.Title)
	c.Pack.Emoji = os.ExpandEnv(c.Pack.Emoji)
	c.Paths.StorageDir = os.ExpandEnv(c.Paths.StorageDir)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Batch.Size == 0 {
		c.Batch.Size = DefaultBatchSize
	}
	if c.Upload.Delay == 0 {
		c.Upload.Delay = DefaultUploadDelay
	}
	if c.Paths.StorageDir == "" {
		if dir := os.Getenv(EnvStorageDir); dir != "" {
			c.Paths.StorageDir = dir
		} else {
			c.Paths.StorageDir = filepath.Join(xdg.DataHome, AppName)
		}
	}
}

// applyEnv overrides fields from the environment
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvBotToken); v != "" {
		c.Bot.Token = v
	}
	if v := os.Getenv(EnvUserID); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", EnvUserID, err)
		}
		c.Bot.UserID = id
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.Bot.APIURL = v
	}
	if v := os.Getenv(EnvPackName); v != "" {
		c.Pack.Name = v
	}
	if v := os.Getenv(EnvPackTitle); v != "" {
		c.Pack.Title = v
	}
	if v := os.Getenv(EnvEmoji); v != "" {
		c.Pack.Emoji = v
	}
	if v := os.Getenv(EnvBatchSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", EnvBatchSize, err)
		}
		c.Batch.Size = n
	}
	return nil
}

// Validate checks the settings every command needs
func (c *Config) Validate() error {
	if c.Bot.Token == "" {
		return fmt.Errorf("bot.token is required (or set %s)", EnvBotToken)
	}
	if c.Bot.APIURL != "" {
		u, err := url.Parse(c.Bot.APIURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("bot.api_url must be an http(s) URL: %s", c.Bot.APIURL)
		}
	}

	if c.Batch.Size < 1 || c.Batch.Size > MaxBatchSize {
		return fmt.Errorf("batch.size must be between 1 and %d: %d", MaxBatchSize, c.Batch.Size)
	}
	if c.Upload.Delay < 0 {
		return fmt.Errorf("upload.delay must not be negative: %s", c.Upload.Delay)
	}

	if !filepath.IsAbs(c.Paths.StorageDir) {
		return fmt.Errorf("paths.storage_dir must be an absolute path: %s", c.Paths.StorageDir)
	}

	return nil
}

// ValidateForCreate checks the additional settings needed to create packs
func (c *Config) ValidateForCreate() error {
	if !botTokenPattern.MatchString(c.Bot.Token) {
		return fmt.Errorf("bot.token does not look like a bot token (<id>:<35 chars>)")
	}
	if c.Bot.UserID <= 0 {
		return fmt.Errorf("bot.user_id is required (or set %s)", EnvUserID)
	}
	if c.Pack.Name == "" {
		return fmt.Errorf("pack.name is required (or set %s)", EnvPackName)
	}
	if c.Pack.Title == "" {
		return fmt.Errorf("pack.title is required (or set %s)", EnvPackTitle)
	}
	return nil
}

// LedgerPath returns the path to the pack ledger
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.StorageDir, ledger.FileName)
}

// SourceDir resolves an image directory argument. Relative names live under
// the storage directory.
func (c *Config) SourceDir(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Paths.StorageDir, name)
}
