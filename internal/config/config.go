// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Backing services. Each is optional; empty means in-process fallback.
	DatabaseURL  string // PostgreSQL; in-memory stores if not set
	RedisURL     string // shared open/settle throttle; local limiter if not set
	NATSURL      string // audit event stream; slog only if not set
	OTLPEndpoint string // tracing disabled if not set

	// Security
	AdminSecret   string // guards /v1/admin
	AdminActors   string // comma-separated actors exempt from client-side limits
	HTTPRateLimit int    // requests per minute per client IP

	// Rewards
	CatalogPath     string // JSON catalog; built-in starter catalog if not set
	OpenRateLimit   int
	SettleRateLimit int
	OpenRateWindow  time.Duration
	ScriptLength    int
	WinnerPosition  int
	AutoKeepAfter   time.Duration
	MaxRewardValue  int64
	StartingBalance int64
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultHTTPRateLimit   = 120
	DefaultOpenRateLimit   = 10
	DefaultSettleRateLimit = 30
	DefaultOpenRateWindow  = time.Minute
	DefaultScriptLength    = 50
	DefaultWinnerPosition  = 42
	DefaultAutoKeepAfter   = 10 * time.Minute
	DefaultMaxRewardValue  = int64(1_000_000)
	DefaultStartingBalance = int64(1000)
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		NATSURL:         os.Getenv("NATS_URL"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		AdminActors:     os.Getenv("ADMIN_ACTORS"),
		HTTPRateLimit:   int(getEnvInt64("HTTP_RATE_LIMIT", DefaultHTTPRateLimit)),
		CatalogPath:     os.Getenv("CATALOG_PATH"),
		OpenRateLimit:   int(getEnvInt64("OPEN_RATE_LIMIT", DefaultOpenRateLimit)),
		SettleRateLimit: int(getEnvInt64("SETTLE_RATE_LIMIT", DefaultSettleRateLimit)),
		OpenRateWindow:  getEnvDuration("OPEN_RATE_WINDOW", DefaultOpenRateWindow),
		ScriptLength:    int(getEnvInt64("SCRIPT_LENGTH", DefaultScriptLength)),
		WinnerPosition:  int(getEnvInt64("WINNER_POSITION", DefaultWinnerPosition)),
		AutoKeepAfter:   getEnvDuration("AUTO_KEEP_AFTER", DefaultAutoKeepAfter),
		MaxRewardValue:  getEnvInt64("MAX_REWARD_VALUE", DefaultMaxRewardValue),
		StartingBalance: getEnvInt64("STARTING_BALANCE", DefaultStartingBalance),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.OpenRateLimit < 1 || c.SettleRateLimit < 1 {
		return fmt.Errorf("OPEN_RATE_LIMIT and SETTLE_RATE_LIMIT must be at least 1")
	}
	if c.OpenRateWindow <= 0 {
		return fmt.Errorf("OPEN_RATE_WINDOW must be positive")
	}
	if c.HTTPRateLimit < 1 {
		return fmt.Errorf("HTTP_RATE_LIMIT must be at least 1")
	}
	if c.ScriptLength < 1 {
		return fmt.Errorf("SCRIPT_LENGTH must be at least 1")
	}
	if c.WinnerPosition < 0 || c.WinnerPosition >= c.ScriptLength {
		return fmt.Errorf("WINNER_POSITION must be in [0, SCRIPT_LENGTH)")
	}
	if c.AutoKeepAfter <= 0 {
		return fmt.Errorf("AUTO_KEEP_AFTER must be positive")
	}
	if c.MaxRewardValue <= 0 {
		return fmt.Errorf("MAX_REWARD_VALUE must be positive")
	}
	if c.StartingBalance < 0 || c.StartingBalance > c.MaxRewardValue {
		return fmt.Errorf("STARTING_BALANCE must be in [0, MAX_REWARD_VALUE]")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
