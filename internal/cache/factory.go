// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package cache

import (
	"log/slog"
	"time"
)

// Backend names reported by New.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config selects and sizes the cache backend.
type Config struct {
	// RedisURL selects Redis when set.
	RedisURL   string
	Prefix     string
	DefaultTTL time.Duration
	MaxEntries int
}

// New creates a Redis cache when RedisURL is set and reachable, and an
// in-memory cache otherwise. A failed Redis connection is logged and falls
// back to memory.
func New(cfg Config, logger *slog.Logger) (Cache, string) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.RedisURL != "" {
		opts := DefaultRedisOptions()
		opts.URL = cfg.RedisURL
		if cfg.Prefix != "" {
			opts.Prefix = cfg.Prefix
		}
		if cfg.DefaultTTL > 0 {
			opts.DefaultTTL = cfg.DefaultTTL
		}
		rc, err := NewRedisCache(opts)
		if err == nil {
			logger.Info("report cache using redis", "prefix", opts.Prefix)
			return rc, BackendRedis
		}
		logger.Warn("redis unavailable, falling back to memory cache", "error", err)
	}

	return NewMemoryCache(MemoryOptions{
		DefaultTTL:      cfg.DefaultTTL,
		MaxEntries:      cfg.MaxEntries,
		CleanupInterval: time.Minute,
	}), BackendMemory
}
