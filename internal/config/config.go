// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// CORSOrigins is a comma-separated allow list for browser clients.
	CORSOrigins []string

	// Storage. DatabaseURL selects PostgreSQL; otherwise SQLitePath is used.
	DatabaseURL string
	SQLitePath  string

	// PlansFile is a YAML or JSON plan-rate table. Empty uses the built-in table.
	PlansFile string

	// Release job
	ReleaseEnabled  bool
	ReleaseInterval time.Duration
	ReleaseCatchUp  int // earlier periods re-run on each tick
	Workers         int
	AgentDeadline   time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultCORSOrigins     = "http://localhost:5173,http://localhost:8080"
	DefaultSQLitePath      = "collections.db"
	DefaultReleaseInterval = 24 * time.Hour
	DefaultWorkers         = 8
	DefaultAgentDeadline   = 30 * time.Second
	DefaultRetryAttempts   = 3
	DefaultRetryBaseDelay  = 200 * time.Millisecond
)

// Load reads configuration from the environment, loading .env first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:     getEnvList("CORS_ORIGINS", DefaultCORSOrigins),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SQLitePath:      getEnv("SQLITE_PATH", DefaultSQLitePath),
		PlansFile:       os.Getenv("PLANS_FILE"),
		ReleaseEnabled:  getEnvBool("RELEASE_ENABLED", true),
		ReleaseInterval: getEnvDuration("RELEASE_INTERVAL", DefaultReleaseInterval),
		ReleaseCatchUp:  int(getEnvInt64("RELEASE_CATCH_UP", 0)),
		Workers:         int(getEnvInt64("WORKERS", DefaultWorkers)),
		AgentDeadline:   getEnvDuration("AGENT_DEADLINE", DefaultAgentDeadline),
		RetryAttempts:   int(getEnvInt64("RETRY_ATTEMPTS", DefaultRetryAttempts)),
		RetryBaseDelay:  getEnvDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("either DATABASE_URL or SQLITE_PATH is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be >= 1, got %d", c.Workers)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be >= 1, got %d", c.RetryAttempts)
	}
	if c.ReleaseEnabled && c.ReleaseInterval <= 0 {
		return fmt.Errorf("RELEASE_INTERVAL must be positive when the release job is enabled")
	}
	if c.ReleaseCatchUp < 0 {
		return fmt.Errorf("RELEASE_CATCH_UP must be >= 0, got %d", c.ReleaseCatchUp)
	}
	if c.AgentDeadline <= 0 {
		return fmt.Errorf("AGENT_DEADLINE must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }
func (c *Config) IsProduction() bool  { return c.Env == "production" }

// UsesPostgres reports whether DATABASE_URL selects the PostgreSQL store.
func (c *Config) UsesPostgres() bool { return c.DatabaseURL != "" }

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
