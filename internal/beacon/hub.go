// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package beacon turns browser beacons into collector calls. Each browser
// tab owns one live collector, held by the Hub and addressed by session id.
package beacon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/analytics"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/datastore"
)

// DefaultIdleTimeout is how long a session may go without beacons before the
// sweeper ends it.
const DefaultIdleTimeout = 30 * time.Minute

// Config configures a Hub.
type Config struct {
	CookieName   string
	CookieSecure bool
	// CookieCrossSite issues the session cookie as SameSite=None; Secure so
	// it rides along with beacons sent from another site.
	CookieCrossSite bool
	IdleTimeout     time.Duration
	// CollectorOptions are applied to every collector the hub creates.
	CollectorOptions []analytics.Option
	Metrics          *analytics.Metrics
	Logger           *slog.Logger
	// Now overrides the clock used for idle tracking.
	Now func() time.Time
}

// liveSession is one tab's collector plus the environment that feeds it.
type liveSession struct {
	collector *analytics.Collector
	env       *analytics.ClientEnvironment
	lastSeen  time.Time
}

// Hub is the registry of live collectors.
type Hub struct {
	store        datastore.Store
	opts         []analytics.Option
	metrics      *analytics.Metrics
	logger       *slog.Logger
	now          func() time.Time
	cookieName   string
	cookieSecure bool
	crossSite    bool
	idleTimeout  time.Duration

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// NewHub creates a Hub writing to store.
func NewHub(store datastore.Store, cfg Config) *Hub {
	if cfg.CookieName == "" {
		cfg.CookieName = analytics.SessionStorageKey
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		store:        store,
		opts:         cfg.CollectorOptions,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          cfg.Now,
		cookieName:   cfg.CookieName,
		cookieSecure: cfg.CookieSecure,
		crossSite:    cfg.CookieCrossSite,
		idleTimeout:  cfg.IdleTimeout,
		sessions:     make(map[string]*liveSession),
	}
}

// openRequest is what a client reports when its session starts.
type openRequest struct {
	SessionID        string `json:"session_id"`
	URL              string `json:"url"`
	Referrer         string `json:"referrer"`
	ScreenResolution string `json:"screen_resolution"`
	Timezone         string `json:"timezone"`
	Language         string `json:"language"`
	UserID           string `json:"user_id"`
}

// open returns the live session for the request, creating a collector when
// none exists. Bots get nil.
func (h *Hub) open(w http.ResponseWriter, r *http.Request, req openRequest) *liveSession {
	ua := r.UserAgent()
	if isBot(ua) {
		return nil
	}

	storage := h.storage(r)
	if id := h.requestedID(req.SessionID, storage); id != "" {
		if s := h.touch(id); s != nil {
			return s
		}
		// Not live any more; the new collector picks the id up from storage.
		storage.Set(analytics.SessionStorageKey, id)
	}

	lang := req.Language
	if lang == "" {
		lang = preferredLanguage(r.Header.Get("Accept-Language"))
	}
	url := req.URL
	if url == "" {
		url = r.Referer()
	}

	env := analytics.NewClientEnvironment(analytics.ClientInfo{
		UserAgent:        ua,
		ScreenResolution: req.ScreenResolution,
		Language:         lang,
		Timezone:         req.Timezone,
		URL:              url,
		Referrer:         req.Referrer,
		IP:               clientIP(r),
	}, storage)

	opts := h.opts
	if req.UserID != "" {
		opts = append(append([]analytics.Option(nil), h.opts...), analytics.WithUserID(req.UserID))
	}
	c := analytics.New(env, h.store, opts...)
	storage.flush(w)

	s := &liveSession{collector: c, env: env, lastSeen: h.now()}

	h.mu.Lock()
	if existing, ok := h.sessions[c.SessionID()]; ok {
		// A concurrent request registered the same session first.
		existing.lastSeen = s.lastSeen
		h.mu.Unlock()
		return existing
	}
	h.sessions[c.SessionID()] = s
	h.mu.Unlock()

	h.metrics.SessionOpened()
	h.logger.Debug("analytics session opened", "session_id", c.SessionID(), "ip", env.ClientIP())
	return s
}

func (h *Hub) storage(r *http.Request) *cookieStorage {
	return newCookieStorage(r, h.cookieName, h.cookieSecure, h.crossSite)
}

// requestedID picks the session id a beacon refers to: the body field first,
// then the session cookie. Malformed ids are ignored.
func (h *Hub) requestedID(bodyID string, storage *cookieStorage) string {
	if _, err := uuid.Parse(bodyID); err == nil {
		return bodyID
	}
	if id, ok := storage.Get(analytics.SessionStorageKey); ok {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	return ""
}

// lookup finds the live session a beacon refers to and marks it as seen.
func (h *Hub) lookup(r *http.Request, bodyID string) *liveSession {
	id := h.requestedID(bodyID, h.storage(r))
	if id == "" {
		return nil
	}
	return h.touch(id)
}

// resume is lookup with a fallback: a beacon naming a session that is no
// longer live (server restart, idle sweep) reopens it under the same id.
// Beacons without a valid id get nil.
func (h *Hub) resume(w http.ResponseWriter, r *http.Request, bodyID, pageURL string) *liveSession {
	if s := h.lookup(r, bodyID); s != nil {
		return s
	}
	if h.requestedID(bodyID, h.storage(r)) == "" {
		return nil
	}
	return h.open(w, r, openRequest{SessionID: bodyID, URL: pageURL})
}

func (h *Hub) touch(id string) *liveSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return nil
	}
	s.lastSeen = h.now()
	return s
}

// Get returns the live collector for a session id.
func (h *Hub) Get(id string) (*analytics.Collector, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return nil, false
	}
	return s.collector, true
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// hide delivers a visibility-hidden signal to the session.
func (h *Hub) hide(s *liveSession) {
	s.env.Emit(analytics.SignalVisibilityHidden)
}

// close delivers an unload signal and forgets the session.
func (h *Hub) close(id string) bool {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	s.env.Emit(analytics.SignalUnload)
	h.metrics.SessionClosed()
	h.logger.Debug("analytics session closed", "session_id", id)
	return true
}

// SweepIdle ends every session that has not sent a beacon within the idle
// timeout, as if its tab had unloaded. It returns the number ended.
func (h *Hub) SweepIdle() int {
	cutoff := h.now().Add(-h.idleTimeout)

	h.mu.Lock()
	var idle []string
	for id, s := range h.sessions {
		if s.lastSeen.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	h.mu.Unlock()

	n := 0
	for _, id := range idle {
		if h.close(id) {
			n++
		}
	}
	if n > 0 {
		h.logger.Info("ended idle analytics sessions", "count", n)
	}
	return n
}

// Shutdown ends every live session and waits for their writes to drain.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	sessions := make([]*liveSession, 0, len(h.sessions))
	ids := make([]string, 0, len(h.sessions))
	for id, s := range h.sessions {
		ids = append(ids, id)
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.close(id)
	}

	var errs []error
	for _, s := range sessions {
		if err := s.collector.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
	}
	return errors.Join(errs...)
}
