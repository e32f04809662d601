package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// WebSocket endpoint of the sync server.
	WSUrl string `env:"WS_URL" envDefault:"ws://localhost:3001"`

	// Base URL of the bulk REST collaborator (deletion sweep, bootstrap,
	// chunk streams).
	APIBaseURL string `env:"API_BASE_URL" envDefault:"http://localhost:3001"`

	// Directory the local store database lives in. Defaults to
	// ~/.chat-sync/ when empty.
	DataDir string `env:"DATA_DIR"`

	// Retry and delivery tuning. The *_MS variables are plain integer
	// millisecond counts, not Go duration strings.
	MaxRetries         int           `env:"MAX_RETRIES" envDefault:"5"`
	BaseRetryDelay     time.Duration `env:"BASE_RETRY_DELAY_MS" envDefault:"1000"`
	MaxRetryDelay      time.Duration `env:"MAX_RETRY_DELAY_MS" envDefault:"30000"`
	ConnectionTimeout  time.Duration `env:"CONNECTION_TIMEOUT_MS" envDefault:"10000"`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL_MS" envDefault:"30000"`
	MaxConcurrentSyncs int           `env:"MAX_CONCURRENT_SYNCS" envDefault:"5"`
	RetryTick          time.Duration `env:"RETRY_TICK_MS" envDefault:"1000"`

	// Deletion tombstones are swept on their own interval; the interval
	// itself throttles retries of errored tombstones.
	DeletionSweepInterval time.Duration `env:"DELETION_SWEEP_INTERVAL_MS" envDefault:"5000"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// parseMillis converts an integer millisecond count into a time.Duration.
// The *_MS variables take bare integers, so "1000" means one second.
func parseMillis(v string) (any, error) {
	ms, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("expected integer milliseconds, got %q", v)
	}

	return time.Duration(ms) * time.Millisecond, nil
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): parseMillis,
		},
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chat-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.DataDir = filepath.Join(home, ".chat-sync")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.WSUrl == "" {
		return fmt.Errorf("WS_URL must not be empty")
	}

	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL must not be empty")
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}

	if c.MaxConcurrentSyncs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SYNCS must be at least 1, got %d", c.MaxConcurrentSyncs)
	}

	if c.BaseRetryDelay <= 0 {
		return fmt.Errorf("BASE_RETRY_DELAY_MS must be positive")
	}

	if c.MaxRetryDelay < c.BaseRetryDelay {
		return fmt.Errorf("MAX_RETRY_DELAY_MS must be >= BASE_RETRY_DELAY_MS")
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("CONNECTION_TIMEOUT_MS must be positive")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_MS must be positive")
	}

	if c.RetryTick <= 0 {
		return fmt.Errorf("RETRY_TICK_MS must be positive")
	}

	if c.DeletionSweepInterval <= 0 {
		return fmt.Errorf("DELETION_SWEEP_INTERVAL_MS must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
