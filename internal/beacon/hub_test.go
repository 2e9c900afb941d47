// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package beacon

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/analytics"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/datastore"
)

const (
	iphoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 14_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0 Mobile/15E148 Safari/604.1"
	botUA    = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore() *datastore.MemoryStore {
	s := datastore.NewMemoryStore(analytics.TableConversions)
	s.CreateTable(analytics.TableSessions, "id")
	s.CreateTable(analytics.TableEvents, "id")
	s.CreateTable(analytics.TableCustomEvents, "id")
	noop := func(context.Context, *datastore.MemoryStore, map[string]any) (any, error) { return nil, nil }
	s.RegisterProcedure(datastore.ProcUpdatePagePerformance, noop)
	s.RegisterProcedure(datastore.ProcCalculateSessionMetrics, noop)
	return s
}

func newTestHub(t *testing.T, store datastore.Store, clock *testClock) *Hub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHub(store, Config{
		IdleTimeout: 10 * time.Minute,
		Logger:      logger,
		Now:         clock.Now,
		CollectorOptions: []analytics.Option{
			analytics.WithThrottle(0),
			analytics.WithClock(clock.Now),
			analytics.WithLogger(logger),
		},
	})
}

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

// post sends a beacon and returns the recorded response.
func post(t *testing.T, h http.Handler, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	req.Header.Set("User-Agent", iphoneUA)
	req.Header.Set("Accept-Language", "en-GB,en;q=0.8")
	req.RemoteAddr = "203.0.113.7:51234"
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == analytics.SessionStorageKey {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func waitFor(t *testing.T, c *analytics.Collector) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func TestSessionBeaconOpensCollector(t *testing.T) {
	store := newTestStore()
	hub := newTestHub(t, store, newClock())
	routes := hub.Routes()

	rec := post(t, routes, "/session", `{"url":"https://poddb.example/podcasts?utm_source=newsletter","screen_resolution":"390x844","timezone":"Europe/London"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	cookie := sessionCookie(t, rec)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, 1, hub.Len())

	c, ok := hub.Get(cookie.Value)
	require.True(t, ok)
	waitFor(t, c)

	fp := c.Fingerprint()
	assert.Equal(t, analytics.DeviceMobile, fp.DeviceType)
	assert.Equal(t, "en-GB", fp.Language)
	assert.Equal(t, "Europe/London", fp.Timezone)
	assert.Equal(t, "newsletter", c.Attribution().UTMSource)

	rows := store.Rows(analytics.TableSessions)
	require.Len(t, rows, 1)
	assert.Equal(t, cookie.Value, rows[0]["id"])
}

func TestSessionBeaconCrossSiteCookie(t *testing.T) {
	hub := NewHub(newTestStore(), Config{
		CookieCrossSite: true,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	cookie := sessionCookie(t, post(t, hub.Routes(), "/session", `{}`))
	assert.Equal(t, http.SameSiteNoneMode, cookie.SameSite)
	assert.True(t, cookie.Secure, "SameSite=None requires Secure")
}

func TestSessionBeaconReusesLiveSession(t *testing.T) {
	hub := newTestHub(t, newTestStore(), newClock())
	routes := hub.Routes()

	first := post(t, routes, "/session", `{}`)
	cookie := sessionCookie(t, first)

	second := post(t, routes, "/session", `{}`, cookie)
	assert.Equal(t, http.StatusNoContent, second.Code)
	assert.Empty(t, second.Result().Cookies(), "existing session must not be re-issued")
	assert.Equal(t, 1, hub.Len())
}

func TestSessionBeaconIgnoresBots(t *testing.T) {
	hub := newTestHub(t, newTestStore(), newClock())

	req := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(`{}`))
	req.Header.Set("User-Agent", botUA)
	rec := httptest.NewRecorder()
	hub.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, hub.Len())
	assert.Empty(t, rec.Result().Cookies())
}

func TestBeaconRejectsMalformedJSON(t *testing.T) {
	hub := newTestHub(t, newTestStore(), newClock())
	routes := hub.Routes()

	for _, path := range []string{"/session", "/pageview", "/event", "/click", "/search", "/conversion", "/visibility", "/unload"} {
		rec := post(t, routes, path, `{"session_id":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestBeaconEmptyBodyAccepted(t *testing.T) {
	hub := newTestHub(t, newTestStore(), newClock())
	rec := post(t, hub.Routes(), "/unload", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPageViewAndInteractionBeacons(t *testing.T) {
	store := newTestStore()
	clock := newClock()
	hub := newTestHub(t, store, clock)
	routes := hub.Routes()

	cookie := sessionCookie(t, post(t, routes, "/session", `{"url":"https://poddb.example/"}`))
	c, _ := hub.Get(cookie.Value)

	rec := post(t, routes, "/pageview", `{"url":"https://poddb.example/podcasts?page=2","title":"<b>Podcasts</b>"}`, cookie)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "/podcasts", c.CurrentPage())

	post(t, routes, "/event", `{"event_type":"play","category":"player","action":"play","label":"<script>x</script>Episode 1","value":12.5}`, cookie)
	post(t, routes, "/click", `{"element":"subscribe-button"}`, cookie)
	post(t, routes, "/search", `{"query":"true crime","results_count":3}`, cookie)
	post(t, routes, "/conversion", `{"conversion_type":"signup","value":1}`, cookie)
	waitFor(t, c)

	events := store.Rows(analytics.TableEvents)
	types := make([]any, 0, len(events))
	for _, e := range events {
		types = append(types, e["event_type"])
	}
	assert.Equal(t, []any{"page_view", "play", "click", "search"}, types)
	assert.Equal(t, "Podcasts", events[0]["page_title"])

	custom := store.Rows(analytics.TableCustomEvents)
	require.Len(t, custom, 3)
	assert.Equal(t, "Episode 1", custom[0]["event_label"])
	assert.Equal(t, "engagement", custom[1]["event_category"])
	assert.Equal(t, "search", custom[2]["event_category"])

	conversions := store.Rows(analytics.TableConversions)
	require.Len(t, conversions, 1)
	assert.Equal(t, "signup", conversions[0]["conversion_type"])
}

func TestEventBeaconDropsUnknownType(t *testing.T) {
	store := newTestStore()
	hub := newTestHub(t, store, newClock())
	routes := hub.Routes()

	cookie := sessionCookie(t, post(t, routes, "/session", `{}`))
	c, _ := hub.Get(cookie.Value)

	rec := post(t, routes, "/event", `{"event_type":"teleport"}`, cookie)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	waitFor(t, c)
	assert.Empty(t, store.Rows(analytics.TableEvents))
}

func TestBeaconsWithoutSessionAreIgnored(t *testing.T) {
	store := newTestStore()
	hub := newTestHub(t, store, newClock())
	routes := hub.Routes()

	for _, body := range []string{`{"element":"x"}`, `{"session_id":"not-a-uuid","element":"x"}`} {
		rec := post(t, routes, "/click", body)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
	assert.Empty(t, store.CallsFor("upsert", analytics.TableEvents))
	assert.Equal(t, 0, hub.Len())
}

func TestInteractionBeaconsResumeSweptSession(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		body  string
		table string
	}{
		{name: "event", path: "/event", body: `{"event_type":"play","category":"player","action":"play"}`, table: analytics.TableEvents},
		{name: "click", path: "/click", body: `{"element":"subscribe-button","page_url":"/podcasts/7"}`, table: analytics.TableEvents},
		{name: "search", path: "/search", body: `{"query":"history"}`, table: analytics.TableEvents},
		{name: "conversion", path: "/conversion", body: `{"conversion_type":"signup"}`, table: analytics.TableConversions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore()
			clock := newClock()
			hub := newTestHub(t, store, clock)
			routes := hub.Routes()

			cookie := sessionCookie(t, post(t, routes, "/session", `{"url":"/podcasts"}`))
			old, _ := hub.Get(cookie.Value)
			clock.Advance(11 * time.Minute)
			require.Equal(t, 1, hub.SweepIdle())
			waitFor(t, old)

			rec := post(t, routes, tt.path, tt.body, cookie)
			require.Equal(t, http.StatusNoContent, rec.Code)

			c, ok := hub.Get(cookie.Value)
			require.True(t, ok, "session should resume under the cookie id")
			waitFor(t, c)
			assert.Len(t, store.Rows(tt.table), 1)
			assert.Len(t, store.Rows(analytics.TableSessions), 1, "resumed session must not insert a second row")
		})
	}
}

func TestPageViewResumesSessionFromCookie(t *testing.T) {
	store := newTestStore()
	hub := newTestHub(t, store, newClock())
	routes := hub.Routes()

	id := "9a1f0b7e-3f51-4d1a-9c7e-0b9e5b8f2a11"
	cookie := &http.Cookie{Name: analytics.SessionStorageKey, Value: id}
	rec := post(t, routes, "/pageview", `{"url":"/episodes/42","title":"Episode 42"}`, cookie)
	require.Equal(t, http.StatusNoContent, rec.Code)

	c, ok := hub.Get(id)
	require.True(t, ok, "session should resume under the cookie id")
	waitFor(t, c)
	assert.Equal(t, "/episodes/42", c.CurrentPage())
}

func TestSessionBeaconResumesBodyID(t *testing.T) {
	store := newTestStore()
	hub := newTestHub(t, store, newClock())
	routes := hub.Routes()

	id := "4c2d8e11-7a3b-4f0e-8d6c-2b1a9e7f5c30"
	rec := post(t, routes, "/session", `{"session_id":"`+id+`","url":"/podcasts"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := hub.Get(id)
	assert.True(t, ok, "session should resume under the body id")
	assert.Equal(t, id, sessionCookie(t, rec).Value)
}

func TestVisibilityBeaconEndsPageDwell(t *testing.T) {
	store := newTestStore()
	clock := newClock()
	hub := newTestHub(t, store, clock)
	routes := hub.Routes()

	cookie := sessionCookie(t, post(t, routes, "/session", `{}`))
	c, _ := hub.Get(cookie.Value)
	post(t, routes, "/pageview", `{"url":"/charts"}`, cookie)

	clock.Advance(42 * time.Second)
	post(t, routes, "/visibility", `{}`, cookie)
	waitFor(t, c)

	calls := store.CallsFor("rpc", datastore.ProcUpdatePagePerformance)
	require.Len(t, calls, 1)
	assert.Equal(t, "/charts", calls[0].Args["p_page_url"])
	assert.InDelta(t, 42.0, calls[0].Args["p_time_on_page"], 0.001)
	assert.False(t, c.Ended())
	assert.Empty(t, store.CallsFor("rpc", datastore.ProcCalculateSessionMetrics))
	assert.Equal(t, 1, hub.Len())
}

func TestUnloadBeaconEndsSession(t *testing.T) {
	store := newTestStore()
	clock := newClock()
	hub := newTestHub(t, store, clock)
	routes := hub.Routes()

	cookie := sessionCookie(t, post(t, routes, "/session", `{}`))
	c, _ := hub.Get(cookie.Value)
	post(t, routes, "/pageview", `{"url":"/"}`, cookie)

	clock.Advance(90 * time.Second)
	rec := post(t, routes, "/unload", `{"session_id":"`+cookie.Value+`"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	waitFor(t, c)

	assert.True(t, c.Ended())
	assert.Equal(t, 0, hub.Len())

	rows := store.Rows(analytics.TableSessions)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 90, rows[0]["duration_seconds"])

	metrics := store.CallsFor("rpc", datastore.ProcCalculateSessionMetrics)
	require.Len(t, metrics, 1)
	assert.Equal(t, cookie.Value, metrics[0].Args["p_session_id"])
}

func TestSweepIdleEndsStaleSessions(t *testing.T) {
	store := newTestStore()
	clock := newClock()
	hub := newTestHub(t, store, clock)
	routes := hub.Routes()

	stale := sessionCookie(t, post(t, routes, "/session", `{}`))
	staleCollector, _ := hub.Get(stale.Value)

	clock.Advance(8 * time.Minute)
	fresh := sessionCookie(t, post(t, routes, "/session", `{}`))

	clock.Advance(3 * time.Minute)
	assert.Equal(t, 1, hub.SweepIdle())
	waitFor(t, staleCollector)

	assert.True(t, staleCollector.Ended())
	_, ok := hub.Get(stale.Value)
	assert.False(t, ok)
	_, ok = hub.Get(fresh.Value)
	assert.True(t, ok)

	// A beacon keeps a session alive.
	clock.Advance(8 * time.Minute)
	post(t, routes, "/click", `{"element":"x"}`, fresh)
	clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, hub.SweepIdle())
}

func TestShutdownEndsAllSessions(t *testing.T) {
	store := newTestStore()
	hub := newTestHub(t, store, newClock())
	routes := hub.Routes()

	post(t, routes, "/session", `{}`)
	post(t, routes, "/session", `{}`)
	require.Equal(t, 2, hub.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))

	assert.Equal(t, 0, hub.Len())
	assert.Len(t, store.CallsFor("rpc", datastore.ProcCalculateSessionMetrics), 2)
}

func TestUserIDAttachedToSession(t *testing.T) {
	store := newTestStore()
	hub := newTestHub(t, store, newClock())

	cookie := sessionCookie(t, post(t, hub.Routes(), "/session", `{"user_id":"user-7"}`))
	c, _ := hub.Get(cookie.Value)
	waitFor(t, c)

	rows := store.Rows(analytics.TableSessions)
	require.Len(t, rows, 1)
	assert.Equal(t, "user-7", rows[0]["user_id"])
}
