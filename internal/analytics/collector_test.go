// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package analytics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/datastore"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestStore provisions every analytics table with no-op procedures.
func newTestStore() *datastore.MemoryStore {
	s := datastore.NewMemoryStore(
		TableConversions, TablePagePerformance, TableKeywords,
		TableTrafficSources, TableUserDemographics, TableSEOPerformance,
	)
	s.CreateTable(TableSessions, "id")
	s.CreateTable(TableEvents, "id")
	s.CreateTable(TableCustomEvents, "id")
	noop := func(context.Context, *datastore.MemoryStore, map[string]any) (any, error) { return nil, nil }
	s.RegisterProcedure(datastore.ProcUpdatePagePerformance, noop)
	s.RegisterProcedure(datastore.ProcCalculateSessionMetrics, noop)
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCollector(t *testing.T, env Environment, store datastore.Store, clock *fakeClock, opts ...Option) *Collector {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now), WithLogger(quietLogger())}, opts...)
	c := New(env, store, opts...)
	settle(t, c)
	return c
}

func settle(t *testing.T, c *Collector) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func browserEnv(ua string) *ClientEnvironment {
	return NewClientEnvironment(ClientInfo{
		UserAgent:        ua,
		ScreenResolution: "390x844",
		Language:         "en-US",
		Timezone:         "Europe/Berlin",
		URL:              "https://poddb.example/podcasts/123?utm_source=newsletter",
		Referrer:         "https://news.example/today",
	}, NewMemoryStorage())
}

func TestNewCreatesSession(t *testing.T) {
	store := newTestStore()
	env := browserEnv(uaIPhoneSafari)
	c := newTestCollector(t, env, store, newFakeClock())

	id, ok := env.Storage().Get(SessionStorageKey)
	require.True(t, ok, "session id not persisted")
	assert.Equal(t, c.SessionID(), id)

	sessions := store.Rows(TableSessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0]["id"])
	assert.Equal(t, "mobile", sessions[0]["device_type"])
	assert.Equal(t, "newsletter", sessions[0]["utm_source"])
	assert.Equal(t, "/podcasts/123", sessions[0]["landing_page"])
	assert.Equal(t, "2026-03-14T09:30:00.000Z", sessions[0]["session_start"])
	_, hasCountry := sessions[0]["country"]
	assert.False(t, hasCountry, "country written without a geo resolver")
	assert.Equal(t, false, sessions[0]["is_bounce"], "open session must not count as a bounce")
}

func TestNewSessionIsNotABounceInSQLStore(t *testing.T) {
	store := testutil.TestStore(t)
	c := newTestCollector(t, browserEnv(uaIPhoneSafari), store, newFakeClock())

	rows, err := store.Select(context.Background(), datastore.Query{
		Table:   TableSessions,
		Filters: []datastore.Filter{datastore.Eq("id", c.SessionID())},
		Limit:   1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, false, rows[0]["is_bounce"], "column default must not apply to a live session")
}

func TestNewReusesPersistedSession(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	storage := NewMemoryStorage()

	first := newTestCollector(t, NewClientEnvironment(ClientInfo{UserAgent: uaWindowsChrome}, storage), store, clock)
	second := newTestCollector(t, NewClientEnvironment(ClientInfo{UserAgent: uaWindowsChrome}, storage), store, clock)

	assert.Equal(t, first.SessionID(), second.SessionID())
	assert.Len(t, store.Rows(TableSessions), 1, "existing session must not be re-inserted")
	assert.Len(t, store.CallsFor("insert", TableSessions), 1)
}

func TestNewReplacesMalformedSessionID(t *testing.T) {
	storage := NewMemoryStorage()
	storage.Set(SessionStorageKey, "not-a-uuid")

	c := newTestCollector(t, NewClientEnvironment(ClientInfo{}, storage), newTestStore(), newFakeClock())

	assert.NotEqual(t, "not-a-uuid", c.SessionID())
	id, _ := storage.Get(SessionStorageKey)
	assert.Equal(t, c.SessionID(), id)
}

func TestNewWithoutSessionsTable(t *testing.T) {
	store := newTestStore()
	store.DropTable(TableSessions)

	c := newTestCollector(t, browserEnv(uaWindowsChrome), store, newFakeClock())
	c.TrackPageView("/podcasts", "Podcasts")
	settle(t, c)

	assert.NotEmpty(t, c.SessionID())
	assert.Len(t, store.Rows(TableEvents), 1, "tracking continues without the sessions table")
}

func TestOutsideBrowserIsInert(t *testing.T) {
	store := newTestStore()
	c := newTestCollector(t, NoopEnvironment{}, store, newFakeClock())

	c.TrackPageView("/", "")
	c.TrackEvent(EventPlay, EventParams{Category: "player", Action: "play"})
	c.TrackConversion("subscribe", nil, nil)
	c.EndPageView()
	c.EndSession()
	settle(t, c)

	assert.NotEmpty(t, c.SessionID())
	assert.Empty(t, store.Calls())
	assert.Equal(t, "unknown", c.Fingerprint().Browser)
}

func TestNilEnvironmentAndStore(t *testing.T) {
	c := New(nil, nil, WithLogger(quietLogger()))
	c.TrackPageView("/", "")
	c.TrackClick("button", "", nil)
	c.EndSession()
	assert.Empty(t, c.PagePerformance(context.Background(), DateRange{Start: "2026-01-01", End: "2026-01-31"}, ""))
}

func TestDisabledCollectorNeverWrites(t *testing.T) {
	store := newTestStore()
	c := newTestCollector(t, browserEnv(uaWindowsChrome), store, newFakeClock(), WithEnabled(false))

	c.TrackPageView("/", "Home")
	c.TrackSearch("true crime", nil, nil)
	c.EndSession()
	settle(t, c)

	assert.Empty(t, store.Calls())
}

func TestTrackPageViewIsIdempotent(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	c := newTestCollector(t, browserEnv(uaWindowsChrome), store, clock)

	c.TrackPageView("/podcasts/123", "Episode Title")
	c.TrackPageView("/podcasts/123", "Episode Title")
	settle(t, c)

	assert.Len(t, store.CallsFor("upsert", TableEvents), 1)
	assert.Empty(t, store.CallsFor("rpc", datastore.ProcUpdatePagePerformance))
}

func TestPageViewsAreNotThrottled(t *testing.T) {
	store := newTestStore()
	c := newTestCollector(t, browserEnv(uaWindowsChrome), store, newFakeClock())

	c.TrackPageView("/a", "")
	c.TrackPageView("/b", "")
	c.TrackPageView("/c", "")
	settle(t, c)

	assert.Len(t, store.CallsFor("upsert", TableEvents), 3)
}

func TestTrackEventThrottle(t *testing.T) {
	tests := []struct {
		name   string
		second time.Duration
		want   int
	}{
		{name: "within interval", second: 100 * time.Millisecond, want: 1},
		{name: "after interval", second: 1100 * time.Millisecond, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore()
			clock := newFakeClock()
			c := newTestCollector(t, browserEnv(uaWindowsChrome), store, clock)

			c.TrackEvent(EventClick, EventParams{})
			clock.Advance(tt.second)
			c.TrackEvent(EventSearch, EventParams{})
			settle(t, c)

			assert.Len(t, store.CallsFor("upsert", TableEvents), tt.want)
		})
	}
}

func TestTrackEventThrottleDisabled(t *testing.T) {
	store := newTestStore()
	c := newTestCollector(t, browserEnv(uaWindowsChrome), store, newFakeClock(), WithThrottle(0))

	for i := 0; i < 5; i++ {
		c.TrackEvent(EventPlay, EventParams{})
	}
	settle(t, c)

	assert.Len(t, store.CallsFor("upsert", TableEvents), 5)
}

func TestTrackEventCustomEvent(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	c := newTestCollector(t, browserEnv(uaWindowsChrome), store, clock)
	c.TrackPageView("/podcasts/9", "")

	value := 3.5
	c.TrackEvent(EventPlay, EventParams{Category: "player", Action: "play", Label: "ep-1", Value: &value})
	clock.Advance(2 * time.Second)
	c.TrackEvent(EventShare, EventParams{Category: "social"})
	settle(t, c)

	custom := store.Rows(TableCustomEvents)
	require.Len(t, custom, 1, "custom event requires category and action")
	assert.Equal(t, "player", custom[0]["event_category"])
	assert.Equal(t, "play", custom[0]["event_action"])
	assert.Equal(t, "ep-1", custom[0]["event_label"])
	assert.Equal(t, 3.5, custom[0]["event_value"])
	assert.Equal(t, "/podcasts/9", custom[0]["page_url"])
	assert.Len(t, store.CallsFor("upsert", TableEvents), 3)
}

func TestTrackEventDuplicateDeliveryIgnored(t *testing.T) {
	store := newTestStore()
	c := newTestCollector(t, browserEnv(uaWindowsChrome), store, newFakeClock())

	ev := c.newEvent(EventClick, "/", "", nil, time.Now())
	require.NoError(t, c.writeEvent(context.Background(), ev))
	require.NoError(t, c.writeEvent(context.Background(), ev))

	assert.Len(t, store.Rows(TableEvents), 1)
}

type conflictingStore struct {
	*datastore.MemoryStore
}

func (s conflictingStore) Upsert(ctx context.Context, table string, row datastore.Row, _ string, _ bool) error {
	return s.Insert(ctx, table, row)
}

func TestWriteEventTreatsConflictAsSuccess(t *testing.T) {
	store := conflictingStore{newTestStore()}
	c := newTestCollector(t, browserEnv(uaWindowsChrome), store, newFakeClock())

	ev := c.newEvent(EventClick, "/", "", nil, time.Now())
	require.NoError(t, c.writeEvent(context.Background(), ev))
	assert.NoError(t, c.writeEvent(context.Background(), ev))
}

func TestTrackClickAndSearch(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	c := newTestCollector(t, browserEnv(uaWindowsChrome), store, clock)

	c.TrackClick("subscribe-button", "/podcasts/7", map[string]any{"position": 2})
	clock.Advance(2 * time.Second)
	results := 12
	c.TrackSearch("history", &results, nil)
	settle(t, c)

	events := store.Rows(TableEvents)
	require.Len(t, events, 2)
	assert.Equal(t, "click", events[0]["event_type"])
	assert.Equal(t, "/podcasts/7", events[0]["page_url"])
	assert.Equal(t, "search", events[1]["event_type"])

	custom := store.Rows(TableCustomEvents)
	require.Len(t, custom, 2)
	assert.Equal(t, "engagement", custom[0]["event_category"])
	assert.Equal(t, "subscribe-button", custom[0]["event_label"])
	assert.Equal(t, "search", custom[1]["event_category"])
	assert.Equal(t, "query", custom[1]["event_action"])
	assert.Equal(t, float64(12), custom[1]["event_value"])
}

func TestTrackConversionPlainInsert(t *testing.T) {
	store := newTestStore()
	c := newTestCollector(t, browserEnv(uaWindowsChrome), store, newFakeClock())

	value := 9.99
	c.TrackConversion("premium_signup", &value, map[string]any{"plan": "annual"})
	c.TrackConversion("premium_signup", &value, nil)
	settle(t, c)

	assert.Len(t, store.CallsFor("insert", TableConversions), 2, "conversions are neither deduplicated nor throttled")
	rows := store.Rows(TableConversions)
	require.Len(t, rows, 2)
	assert.Equal(t, "newsletter", rows[0]["utm_source"])
	assert.Equal(t, 9.99, rows[0]["conversion_value"])
}

func TestTrackConversionFailureIsSwallowed(t *testing.T) {
	store := newTestStore()
	store.Fail(TableConversions, datastore.ErrNetwork)
	c := newTestCollector(t, browserEnv(uaWindowsChrome), store, newFakeClock())

	c.TrackConversion("download", nil, nil)
	settle(t, c)

	assert.Len(t, store.CallsFor("insert", TableConversions), 1)
}

func TestVisibilityHiddenEndsPageOnly(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	env := browserEnv(uaWindowsChrome)
	c := newTestCollector(t, env, store, clock)

	c.TrackPageView("/podcasts/1", "")
	clock.Advance(30 * time.Second)
	env.Emit(SignalVisibilityHidden)
	settle(t, c)

	rpcs := store.CallsFor("rpc", datastore.ProcUpdatePagePerformance)
	require.Len(t, rpcs, 1)
	assert.Equal(t, "/podcasts/1", rpcs[0].Args["p_page_url"])
	assert.Equal(t, "2026-03-14", rpcs[0].Args["p_date"])
	assert.Equal(t, 30.0, rpcs[0].Args["p_time_on_page"])
	assert.Empty(t, store.CallsFor("update", TableSessions))
	assert.False(t, c.Ended())

	// The hidden period is not counted twice.
	env.Emit(SignalVisibilityHidden)
	settle(t, c)
	assert.Len(t, store.CallsFor("rpc", datastore.ProcUpdatePagePerformance), 1)
}

func TestUnloadEndsSession(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	env := browserEnv(uaWindowsChrome)
	c := newTestCollector(t, env, store, clock)

	c.TrackPageView("/", "Home")
	clock.Advance(95 * time.Second)
	env.Emit(SignalUnload)
	settle(t, c)

	updates := store.CallsFor("update", TableSessions)
	require.Len(t, updates, 1)
	assert.Equal(t, int64(95), updates[0].Row["duration_seconds"])
	assert.Equal(t, "2026-03-14T09:31:35.000Z", updates[0].Row["session_end"])

	metrics := store.CallsFor("rpc", datastore.ProcCalculateSessionMetrics)
	require.Len(t, metrics, 1)
	assert.Equal(t, c.SessionID(), metrics[0].Args["p_session_id"])
	assert.Len(t, store.CallsFor("rpc", datastore.ProcUpdatePagePerformance), 1)

	// Unload is final.
	env.Emit(SignalUnload)
	c.TrackPageView("/after", "")
	settle(t, c)
	assert.Len(t, store.CallsFor("update", TableSessions), 1)
	assert.Len(t, store.CallsFor("upsert", TableEvents), 1)
}

func TestUnloadWithoutProcedure(t *testing.T) {
	store := datastore.NewMemoryStore(TableSessions, TableEvents)
	env := browserEnv(uaWindowsChrome)
	c := newTestCollector(t, env, store, newFakeClock())

	env.Emit(SignalUnload)
	settle(t, c)

	assert.Len(t, store.CallsFor("rpc", datastore.ProcCalculateSessionMetrics), 1)
}

func TestEndToEndIPhoneSafari(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	c := newTestCollector(t, browserEnv(uaIPhoneSafari), store, clock)

	fp := c.Fingerprint()
	assert.Equal(t, "mobile", fp.DeviceType)
	assert.Equal(t, "Safari", fp.Browser)
	assert.Equal(t, "14", fp.BrowserVersion)

	c.TrackPageView("/podcasts/123", "Episode Title")
	settle(t, c)
	events := store.CallsFor("upsert", TableEvents)
	require.Len(t, events, 1)
	assert.Equal(t, "page_view", events[0].Row["event_type"])
	assert.Equal(t, "/podcasts/123", events[0].Row["page_url"])

	c.TrackPageView("/podcasts/123", "Episode Title")
	settle(t, c)
	assert.Len(t, store.CallsFor("upsert", TableEvents), 1)

	clock.Advance(42 * time.Second)
	c.TrackPageView("/podcasts/456", "")
	settle(t, c)

	var sequence []datastore.Call
	for _, call := range store.Calls() {
		if call.Op == "rpc" || (call.Op == "upsert" && call.Table == TableEvents) {
			sequence = append(sequence, call)
		}
	}
	require.Len(t, sequence, 3)
	assert.Equal(t, datastore.ProcUpdatePagePerformance, sequence[1].Table)
	assert.Equal(t, "/podcasts/123", sequence[1].Args["p_page_url"])
	assert.Greater(t, sequence[1].Args["p_time_on_page"].(float64), 0.0)
	assert.Equal(t, TableEvents, sequence[2].Table)
	assert.Equal(t, "/podcasts/456", sequence[2].Row["page_url"])
	assert.Equal(t, "page_view", sequence[2].Row["event_type"])
}

func TestSilentModeStillWrites(t *testing.T) {
	store := newTestStore()
	store.Fail(TableEvents, errors.New("boom"))
	c := newTestCollector(t, browserEnv(uaWindowsChrome), store, newFakeClock(), WithSilentMode(true))

	c.TrackPageView("/", "")
	settle(t, c)

	assert.Len(t, store.CallsFor("upsert", TableEvents), 1)
}
