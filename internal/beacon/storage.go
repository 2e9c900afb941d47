// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package beacon

import (
	"net/http"
	"sync"

	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/analytics"
)

// cookieStorage exposes the session cookie as the collector's per-tab
// storage. Writes are held until flush copies them onto the response.
type cookieStorage struct {
	name      string
	secure    bool
	crossSite bool

	mu      sync.Mutex
	value   string
	present bool
	dirty   bool
}

func newCookieStorage(r *http.Request, name string, secure, crossSite bool) *cookieStorage {
	s := &cookieStorage{name: name, secure: secure, crossSite: crossSite}
	if c, err := r.Cookie(name); err == nil && c.Value != "" {
		s.value, s.present = c.Value, true
	}
	return s
}

// Get implements analytics.Storage. Only the session key is backed by the cookie.
func (s *cookieStorage) Get(key string) (string, bool) {
	if key != analytics.SessionStorageKey {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.present
}

// Set implements analytics.Storage.
func (s *cookieStorage) Set(key, value string) {
	if key != analytics.SessionStorageKey {
		return
	}
	s.mu.Lock()
	s.value, s.present, s.dirty = value, true, true
	s.mu.Unlock()
}

// flush writes a pending session cookie. It has no MaxAge, so the browser
// drops it when the tab session ends. A cross-site cookie is SameSite=None,
// which browsers only accept when Secure is set.
func (s *cookieStorage) flush(w http.ResponseWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return
	}
	c := &http.Cookie{
		Name:     s.name,
		Value:    s.value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if s.crossSite {
		c.Secure = true
		c.SameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, c)
	s.dirty = false
}
