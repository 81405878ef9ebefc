package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for caresync.
type Config struct {
	// Data service endpoint and credentials (required).
	ServerHost string `env:"CARESYNC_SERVER_HOST"`
	AuthToken  string `env:"CARESYNC_AUTH_TOKEN"`
	UserID     string `env:"CARESYNC_USER_ID"`

	// Local cache location. Empty defaults to ~/.caresync/.
	CacheDir string `env:"CARESYNC_CACHE_DIR"`

	// Passphrase for encrypting cached conversation records at rest.
	// Empty stores them in the clear.
	CachePassphrase string `env:"CARESYNC_CACHE_PASSPHRASE"`

	// Reconnection policy for dropped push channels.
	EnableRetry   bool          `env:"CARESYNC_ENABLE_RETRY" envDefault:"true"`
	RetryInterval time.Duration `env:"CARESYNC_RETRY_INTERVAL" envDefault:"5s"`
	MaxRetries    int           `env:"CARESYNC_MAX_RETRIES" envDefault:"5"`

	// Polling fallback while push delivery is degraded.
	PollEnabled  bool          `env:"CARESYNC_POLL_ENABLED" envDefault:"true"`
	PollInterval time.Duration `env:"CARESYNC_POLL_INTERVAL" envDefault:"30s"`

	// Session persistence cadence and expiry.
	AutosaveInterval time.Duration `env:"CARESYNC_AUTOSAVE_INTERVAL" envDefault:"20s"`
	SessionTimeout   time.Duration `env:"CARESYNC_SESSION_TIMEOUT" envDefault:"30m"`

	// Optional YAML file with runtime-adjustable settings, watched for
	// changes while running.
	SettingsFile string `env:"CARESYNC_SETTINGS_FILE"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"CARESYNC_LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}
		cfg.CacheDir = filepath.Join(home, ".caresync")
	}

	absDir, err := filepath.Abs(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("resolving cache dir to absolute path: %w", err)
	}
	cfg.CacheDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("CARESYNC_SERVER_HOST is required")
	}

	if c.AuthToken == "" {
		return fmt.Errorf("CARESYNC_AUTH_TOKEN is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("CARESYNC_USER_ID is required")
	}

	if c.RetryInterval <= 0 {
		return fmt.Errorf("CARESYNC_RETRY_INTERVAL must be positive")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("CARESYNC_MAX_RETRIES must not be negative")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("CARESYNC_POLL_INTERVAL must be positive")
	}

	if c.AutosaveInterval <= 0 {
		return fmt.Errorf("CARESYNC_AUTOSAVE_INTERVAL must be positive")
	}

	if c.SessionTimeout <= 0 {
		return fmt.Errorf("CARESYNC_SESSION_TIMEOUT must be positive")
	}

	return nil
}

// CachePath returns the path of the cache database file.
func (c *Config) CachePath() string {
	return filepath.Join(c.CacheDir, "cache.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
