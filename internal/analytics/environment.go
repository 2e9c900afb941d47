// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package analytics

import "sync"

// SessionStorageKey is the persistent-storage key holding the session id.
const SessionStorageKey = "analytics_session_id"

// Signal is a client lifecycle notification.
type Signal int

const (
	// SignalVisibilityHidden fires when the tab becomes hidden.
	SignalVisibilityHidden Signal = iota + 1
	// SignalUnload fires when the tab is being torn down.
	SignalUnload
)

func (s Signal) String() string {
	switch s {
	case SignalVisibilityHidden:
		return "visibility_hidden"
	case SignalUnload:
		return "unload"
	default:
		return "unknown"
	}
}

// Storage is the client's per-origin key/value store.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// Environment is everything the collector needs from the client it runs in.
// A collector built on an environment whose IsBrowser reports false is inert.
type Environment interface {
	IsBrowser() bool
	Storage() Storage
	UserAgent() string
	ScreenResolution() string
	Language() string
	Timezone() string
	// URL is the full current location, including the query string.
	URL() string
	Referrer() string
	ClientIP() string
	// Subscribe registers fn for lifecycle signals.
	Subscribe(fn func(Signal))
}

// ClientInfo describes the client as reported at session start.
type ClientInfo struct {
	UserAgent        string
	ScreenResolution string
	Language         string
	Timezone         string
	URL              string
	Referrer         string
	IP               string
}

// ClientEnvironment is a browser-backed Environment. Lifecycle signals are
// delivered by calling Emit.
type ClientEnvironment struct {
	info    ClientInfo
	storage Storage

	mu       sync.Mutex
	handlers []func(Signal)
}

// NewClientEnvironment creates an environment for one client tab.
// A nil storage is replaced by an in-memory one.
func NewClientEnvironment(info ClientInfo, storage Storage) *ClientEnvironment {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	return &ClientEnvironment{info: info, storage: storage}
}

func (e *ClientEnvironment) IsBrowser() bool          { return true }
func (e *ClientEnvironment) Storage() Storage         { return e.storage }
func (e *ClientEnvironment) UserAgent() string        { return e.info.UserAgent }
func (e *ClientEnvironment) ScreenResolution() string { return e.info.ScreenResolution }
func (e *ClientEnvironment) Language() string         { return e.info.Language }
func (e *ClientEnvironment) Timezone() string         { return e.info.Timezone }
func (e *ClientEnvironment) URL() string              { return e.info.URL }
func (e *ClientEnvironment) Referrer() string         { return e.info.Referrer }
func (e *ClientEnvironment) ClientIP() string         { return e.info.IP }

// Subscribe implements Environment.
func (e *ClientEnvironment) Subscribe(fn func(Signal)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.handlers = append(e.handlers, fn)
	e.mu.Unlock()
}

// Emit delivers sig to every subscriber in registration order.
func (e *ClientEnvironment) Emit(sig Signal) {
	e.mu.Lock()
	handlers := make([]func(Signal), len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()

	for _, fn := range handlers {
		fn(sig)
	}
}

// NoopEnvironment stands in for a non-browser runtime such as server-side
// rendering. Collectors built on it never touch storage or the network.
type NoopEnvironment struct{}

func (NoopEnvironment) IsBrowser() bool          { return false }
func (NoopEnvironment) Storage() Storage         { return nil }
func (NoopEnvironment) UserAgent() string        { return "" }
func (NoopEnvironment) ScreenResolution() string { return "" }
func (NoopEnvironment) Language() string         { return "" }
func (NoopEnvironment) Timezone() string         { return "" }
func (NoopEnvironment) URL() string              { return "" }
func (NoopEnvironment) Referrer() string         { return "" }
func (NoopEnvironment) ClientIP() string         { return "" }
func (NoopEnvironment) Subscribe(func(Signal))   {}

// MemoryStorage is a map-backed Storage safe for concurrent use.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

// Get implements Storage.
func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set implements Storage.
func (s *MemoryStorage) Set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}
