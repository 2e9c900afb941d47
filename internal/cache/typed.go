// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Typed stores JSON-encoded values of one type in a Cache.
type Typed[T any] struct {
	cache Cache
	ttl   time.Duration
}

// NewTyped wraps c. A zero ttl defers to the cache's default.
func NewTyped[T any](c Cache, ttl time.Duration) *Typed[T] {
	return &Typed[T]{cache: c, ttl: ttl}
}

// Get returns the cached value and whether it was found and decodable.
func (t *Typed[T]) Get(ctx context.Context, key string) (T, bool) {
	var v T
	if t == nil || t.cache == nil {
		return v, false
	}
	data, err := t.cache.Get(ctx, key)
	if err != nil {
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false
	}
	return v, true
}

// Set stores v under key.
func (t *Typed[T]) Set(ctx context.Context, key string, v T) error {
	if t == nil || t.cache == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.cache.Set(ctx, key, data, t.ttl)
}

// GetOrCompute returns the cached value for key, computing and storing it on
// a miss. Cache failures never prevent fn's result from being returned.
func (t *Typed[T]) GetOrCompute(ctx context.Context, key string, fn func() T) T {
	if v, ok := t.Get(ctx, key); ok {
		return v
	}
	v := fn()
	_ = t.Set(ctx, key, v)
	return v
}

// Key joins parts into a cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
