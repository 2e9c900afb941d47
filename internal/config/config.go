// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the analytics service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// knownWeakTokens are example tokens that must never guard a production API.
var knownWeakTokens = []string{
	"change-me",
	"changeme-analytics-token",
	"REPLACE_WITH_YOUR_OWN_API_TOKEN",
}

// MinAPITokenLength is the minimum length of the reporting API token.
const MinAPITokenLength = 24

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	DBDriver   string `env:"PODDB_DB_DRIVER" envDefault:"sqlite"`
	DBDSN      string `env:"PODDB_DB_DSN" envDefault:"./data/analytics.db"`
	Migrate    bool   `env:"PODDB_DB_MIGRATE" envDefault:"true"`
	ServerHost string `env:"PODDB_SERVER_HOST" envDefault:"localhost"`
	ServerPort int    `env:"PODDB_SERVER_PORT" envDefault:"8080"`
	Env        string `env:"PODDB_ENV" envDefault:"development"`
	LogLevel   string `env:"PODDB_LOG_LEVEL" envDefault:"info"`

	// Collector behaviour
	AnalyticsEnabled   bool          `env:"PODDB_ANALYTICS_ENABLED" envDefault:"true"`
	SilentMode         bool          `env:"PODDB_ANALYTICS_SILENT" envDefault:"false"`
	ThrottleInterval   time.Duration `env:"PODDB_ANALYTICS_THROTTLE" envDefault:"1s"`
	WriteTimeout       time.Duration `env:"PODDB_ANALYTICS_WRITE_TIMEOUT" envDefault:"10s"`
	SessionIdleTimeout time.Duration `env:"PODDB_SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	RetentionDays      int           `env:"PODDB_RETENTION_DAYS" envDefault:"395"`

	// Beacon endpoint
	CookieName   string   `env:"PODDB_COOKIE_NAME" envDefault:"analytics_session_id"`
	CookieSecure bool     `env:"PODDB_COOKIE_SECURE" envDefault:"false"`
	AllowOrigins []string `env:"PODDB_ALLOW_ORIGINS" envSeparator:","`

	// Reporting API
	APIToken string `env:"PODDB_API_TOKEN"`

	// Report cache
	RedisURL        string        `env:"PODDB_REDIS_URL"`                                  // Optional Redis URL for a shared report cache
	CachePrefix     string        `env:"PODDB_CACHE_PREFIX" envDefault:"poddb:analytics:"` // Redis key prefix
	CacheTTL        time.Duration `env:"PODDB_CACHE_TTL" envDefault:"5m"`                  // Report cache TTL
	CacheMaxEntries int           `env:"PODDB_CACHE_MAX_ENTRIES" envDefault:"1000"`        // Max memory cache entries

	// GeoIP configuration
	GeoIPDBPath string `env:"PODDB_GEOIP_DB_PATH"` // Path to a GeoLite2 Country or City .mmdb file
}

// IsDevelopment returns true if the application is running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if the application is running in production mode.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// ServerAddr returns the full server address in host:port format.
func (c Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// UseRedisCache returns true if Redis caching is configured.
func (c Config) UseRedisCache() bool {
	return c.RedisURL != ""
}

// GeoIPEnabled returns true if a GeoIP database is configured.
func (c Config) GeoIPEnabled() bool {
	return c.GeoIPDBPath != ""
}

// APIProtected returns true if the reporting API requires a bearer token.
func (c Config) APIProtected() bool {
	return c.APIToken != ""
}

// Load parses environment variables and returns a Config struct.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	switch cfg.DBDriver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
	default:
		return nil, fmt.Errorf("PODDB_DB_DRIVER must be one of sqlite, postgres, mysql; got %q", cfg.DBDriver)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("PODDB_DB_DSN must not be empty")
	}
	if cfg.ThrottleInterval < 0 {
		return nil, fmt.Errorf("PODDB_ANALYTICS_THROTTLE must not be negative")
	}
	if cfg.RetentionDays < 0 {
		return nil, fmt.Errorf("PODDB_RETENTION_DAYS must not be negative")
	}

	if err := validateAPIToken(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validateAPIToken(cfg *Config) error {
	if cfg.APIToken == "" {
		if cfg.IsProduction() {
			slog.Warn("PODDB_API_TOKEN is not set; the reporting API is unauthenticated")
		}
		return nil
	}

	if len(cfg.APIToken) < MinAPITokenLength {
		return fmt.Errorf("PODDB_API_TOKEN must be at least %d bytes long, got %d bytes; "+
			"generate one with: openssl rand -base64 32", MinAPITokenLength, len(cfg.APIToken))
	}
	for _, weak := range knownWeakTokens {
		if strings.EqualFold(cfg.APIToken, weak) {
			return fmt.Errorf("PODDB_API_TOKEN is a known example value and must not be used")
		}
	}
	if !hasMinimumEntropy(cfg.APIToken) {
		slog.Warn("PODDB_API_TOKEN has low character diversity; " +
			"consider generating a random token with: openssl rand -base64 32")
	}
	return nil
}

// hasMinimumEntropy checks that a secret contains at least 3 character classes
// (lowercase, uppercase, digits, special characters).
func hasMinimumEntropy(s string) bool {
	charTypes := 0
	if strings.ContainsAny(s, "abcdefghijklmnopqrstuvwxyz") {
		charTypes++
	}
	if strings.ContainsAny(s, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		charTypes++
	}
	if strings.ContainsAny(s, "0123456789") {
		charTypes++
	}
	if strings.ContainsAny(s, "!@#$%^&*()-_=+[]{}|;:,.<>?/~`'\"\\") {
		charTypes++
	}
	return charTypes >= 3
}
