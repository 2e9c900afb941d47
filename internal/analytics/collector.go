// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package analytics

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/datastore"
)

// Timestamp layouts used for stored values.
const (
	TimestampLayout = "2006-01-02T15:04:05.000Z"
	DateLayout      = "2006-01-02"
)

// Default collector settings.
const (
	DefaultThrottleInterval = 1000 * time.Millisecond
	DefaultWriteTimeout     = 10 * time.Second
)

// GeoResolver maps a client IP to an ISO country code. It returns "" when
// the IP cannot be resolved.
type GeoResolver interface {
	LookupCountry(ip string) string
}

// LocationResolver is a GeoResolver that also resolves region and city.
type LocationResolver interface {
	GeoResolver
	LookupRegionCity(ip string) (region, city string)
}

// Option configures a Collector.
type Option func(*options)

type options struct {
	enabled      bool
	silent       bool
	throttle     time.Duration
	writeTimeout time.Duration
	now          func() time.Time
	geo          GeoResolver
	metrics      *Metrics
	logger       *slog.Logger
	userID       string
}

// WithEnabled turns tracking on or off. A disabled collector never writes.
func WithEnabled(enabled bool) Option {
	return func(o *options) { o.enabled = enabled }
}

// WithSilentMode suppresses diagnostic logging of failed writes.
func WithSilentMode(silent bool) Option {
	return func(o *options) { o.silent = silent }
}

// WithThrottle sets the minimum interval between two tracked events.
func WithThrottle(d time.Duration) Option {
	return func(o *options) { o.throttle = d }
}

// WithWriteTimeout bounds each background write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithGeoResolver enables country resolution. Without one the geo fields stay empty.
func WithGeoResolver(g GeoResolver) Option {
	return func(o *options) { o.geo = g }
}

// WithMetrics records write and throttle counters.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithUserID attributes the session to an authenticated user.
func WithUserID(id string) Option {
	return func(o *options) { o.userID = id }
}

// EventParams are the optional attributes of a tracked event.
type EventParams struct {
	Category string
	Action   string
	Label    string
	Value    *float64
	// PageURL overrides the current page for this event.
	PageURL  string
	Metadata map[string]any
}

// Collector records the telemetry of one client tab. All tracking methods
// return immediately; store writes run on a background writer and their
// failures are logged, never returned.
type Collector struct {
	*Reporter

	env          Environment
	store        datastore.Store
	logger       *slog.Logger
	metrics      *Metrics
	enabled      bool
	silent       bool
	writeTimeout time.Duration
	now          func() time.Time
	userID       string

	sessionID    string
	sessionStart time.Time
	fingerprint  Fingerprint
	attribution  Attribution

	mu          sync.Mutex
	currentPage string
	pageStart   time.Time
	limiter     *rate.Limiter
	ended       bool

	qmu      sync.Mutex
	queue    []write
	draining bool
	wg       sync.WaitGroup
}

// write is one queued background store operation.
type write struct {
	table string
	fn    func(ctx context.Context) error
}

// New creates a collector bound to env and store. It never fails: a missing
// environment or store produces an inert collector.
func New(env Environment, store datastore.Store, opts ...Option) *Collector {
	o := options{
		enabled:      true,
		throttle:     DefaultThrottleInterval,
		writeTimeout: DefaultWriteTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if env == nil {
		env = NoopEnvironment{}
	}

	c := &Collector{
		Reporter:     NewReporter(store, o.logger, o.metrics),
		env:          env,
		store:        store,
		logger:       o.logger,
		metrics:      o.metrics,
		enabled:      o.enabled,
		silent:       o.silent,
		writeTimeout: o.writeTimeout,
		now:          o.now,
		userID:       o.userID,
		limiter:      rate.NewLimiter(rate.Every(o.throttle), 1),
	}
	c.sessionStart = c.now()

	if !env.IsBrowser() {
		c.sessionID = uuid.NewString()
		c.fingerprint = sentinelFingerprint()
		return c
	}

	c.sessionID = loadSessionID(env.Storage())
	c.fingerprint = fingerprintOf(env, o.geo)
	c.attribution = ParseAttribution(env.URL(), env.Referrer())
	env.Subscribe(c.handleSignal)

	if c.writable() {
		c.dispatch(TableSessions, c.initSession)
	}
	return c
}

// loadSessionID returns the persisted session id, generating and persisting
// a new one when none is stored.
func loadSessionID(s Storage) string {
	if s == nil {
		return uuid.NewString()
	}
	if id, ok := s.Get(SessionStorageKey); ok {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	id := uuid.NewString()
	s.Set(SessionStorageKey, id)
	return id
}

// SessionID returns the session identifier.
func (c *Collector) SessionID() string { return c.sessionID }

// SessionStart returns when this collector started its session.
func (c *Collector) SessionStart() time.Time { return c.sessionStart }

// Fingerprint returns the device/browser context of the session.
func (c *Collector) Fingerprint() Fingerprint { return c.fingerprint }

// Attribution returns the acquisition context of the session.
func (c *Collector) Attribution() Attribution { return c.attribution }

// CurrentPage returns the page whose dwell time is being measured.
func (c *Collector) CurrentPage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPage
}

// writable reports whether the collector may issue store writes.
func (c *Collector) writable() bool {
	return c.enabled && c.store != nil && c.env.IsBrowser()
}

// active reports whether tracking calls should be honored.
func (c *Collector) active() bool {
	if !c.writable() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.ended
}

func (c *Collector) initSession(ctx context.Context) error {
	rows, err := c.store.Select(ctx, datastore.Query{
		Table:   TableSessions,
		Filters: []datastore.Filter{datastore.Eq("id", c.sessionID)},
		Limit:   1,
	})
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return nil
	}

	s := Session{
		ID:               c.sessionID,
		SessionStart:     formatTimestamp(c.sessionStart),
		DeviceType:       c.fingerprint.DeviceType,
		Browser:          c.fingerprint.Browser,
		BrowserVersion:   c.fingerprint.BrowserVersion,
		OS:               c.fingerprint.OS,
		OSVersion:        c.fingerprint.OSVersion,
		ScreenResolution: c.fingerprint.ScreenResolution,
		Language:         c.fingerprint.Language,
		Timezone:         c.fingerprint.Timezone,
		Country:          c.fingerprint.Country,
		Region:           c.fingerprint.Region,
		City:             c.fingerprint.City,
		Referrer:         c.attribution.Referrer,
		LandingPage:      c.attribution.LandingPage,
		UTMSource:        c.attribution.UTMSource,
		UTMMedium:        c.attribution.UTMMedium,
		UTMCampaign:      c.attribution.UTMCampaign,
		UTMTerm:          c.attribution.UTMTerm,
		UTMContent:       c.attribution.UTMContent,
		CreatedAt:        formatTimestamp(c.sessionStart),
	}
	if c.userID != "" {
		s.UserID = &c.userID
	}
	row, err := datastore.RowOf(s)
	if err != nil {
		return err
	}
	// The column defaults to true; only finalization may mark a bounce.
	row["is_bounce"] = false
	return c.store.Insert(ctx, TableSessions, row)
}

// TrackPageView records navigation to url. Reporting the page that is
// already current is a no-op; otherwise the previous page's dwell time is
// finalized first.
func (c *Collector) TrackPageView(url, title string) {
	if !c.active() {
		return
	}

	c.mu.Lock()
	if url == c.currentPage {
		c.mu.Unlock()
		return
	}
	now := c.now()
	prevPage, prevStart := c.currentPage, c.pageStart
	c.currentPage, c.pageStart = url, now
	c.mu.Unlock()

	c.finishPage(prevPage, prevStart, now)

	ev := c.newEvent(EventPageView, url, title, nil, now)
	c.dispatch(TableEvents, func(ctx context.Context) error {
		return c.writeEvent(ctx, ev)
	})
}

// TrackEvent records an interaction. At most one event per throttle
// interval is accepted per session, across all event types; the rest are
// dropped silently. When both Category and Action are set a categorised
// custom event is written as well.
func (c *Collector) TrackEvent(eventType EventType, p EventParams) {
	if !c.active() {
		return
	}

	c.mu.Lock()
	now := c.now()
	if !c.limiter.AllowN(now, 1) {
		c.mu.Unlock()
		c.metrics.observeThrottled()
		return
	}
	pageURL := p.PageURL
	if pageURL == "" {
		pageURL = c.currentPage
	}
	c.mu.Unlock()
	if pageURL == "" {
		pageURL = PagePath(c.env.URL())
	}

	meta := make(map[string]any, len(p.Metadata)+4)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	if p.Category != "" {
		meta["category"] = p.Category
	}
	if p.Action != "" {
		meta["action"] = p.Action
	}
	if p.Label != "" {
		meta["label"] = p.Label
	}
	if p.Value != nil {
		meta["value"] = *p.Value
	}

	ev := c.newEvent(eventType, pageURL, "", meta, now)
	c.dispatch(TableEvents, func(ctx context.Context) error {
		return c.writeEvent(ctx, ev)
	})

	if p.Category == "" || p.Action == "" {
		return
	}
	ce := CustomEvent{
		ID:            uuid.NewString(),
		SessionID:     c.sessionID,
		EventCategory: p.Category,
		EventAction:   p.Action,
		EventLabel:    p.Label,
		EventValue:    p.Value,
		PageURL:       pageURL,
		Metadata:      p.Metadata,
		CreatedAt:     formatTimestamp(now),
	}
	c.dispatch(TableCustomEvents, func(ctx context.Context) error {
		row, err := datastore.RowOf(ce)
		if err != nil {
			return err
		}
		return c.store.Insert(ctx, TableCustomEvents, row)
	})
}

// TrackClick records a click on element.
func (c *Collector) TrackClick(element, pageURL string, metadata map[string]any) {
	c.TrackEvent(EventClick, EventParams{
		Category: "engagement",
		Action:   "click",
		Label:    element,
		PageURL:  pageURL,
		Metadata: withEntry(metadata, "element", element),
	})
}

// TrackSearch records a directory search. resultsCount may be nil when the
// result size is unknown.
func (c *Collector) TrackSearch(query string, resultsCount *int, metadata map[string]any) {
	var value *float64
	meta := withEntry(metadata, "query", query)
	if resultsCount != nil {
		v := float64(*resultsCount)
		value = &v
		meta["results_count"] = *resultsCount
	}
	c.TrackEvent(EventSearch, EventParams{
		Category: "search",
		Action:   "query",
		Label:    query,
		Value:    value,
		Metadata: meta,
	})
}

// TrackConversion records a conversion. It is a plain insert without dedup
// or throttling.
func (c *Collector) TrackConversion(conversionType string, value *float64, metadata map[string]any) {
	if !c.active() {
		return
	}

	c.mu.Lock()
	pageURL := c.currentPage
	c.mu.Unlock()
	if pageURL == "" {
		pageURL = PagePath(c.env.URL())
	}

	conv := ConversionEvent{
		SessionID:       c.sessionID,
		ConversionType:  conversionType,
		ConversionValue: value,
		PageURL:         pageURL,
		Referrer:        c.attribution.Referrer,
		UTMSource:       c.attribution.UTMSource,
		UTMMedium:       c.attribution.UTMMedium,
		UTMCampaign:     c.attribution.UTMCampaign,
		Metadata:        metadata,
		CreatedAt:       formatTimestamp(c.now()),
	}
	c.dispatch(TableConversions, func(ctx context.Context) error {
		row, err := datastore.RowOf(conv)
		if err != nil {
			return err
		}
		return c.store.Insert(ctx, TableConversions, row)
	})
}

// EndPageView finalizes the dwell time of the current page. The page stays
// current, but its time is counted only once.
func (c *Collector) EndPageView() {
	if !c.writable() {
		return
	}
	c.mu.Lock()
	page, start := c.currentPage, c.pageStart
	c.pageStart = time.Time{}
	c.mu.Unlock()

	c.finishPage(page, start, c.now())
}

// EndSession finalizes the current page and the session. Later calls are no-ops.
func (c *Collector) EndSession() {
	if !c.writable() {
		return
	}
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	c.EndPageView()

	end := c.now()
	duration := int64(end.Sub(c.sessionStart).Seconds())
	if duration < 0 {
		duration = 0
	}
	patch := datastore.Row{
		"session_end":      formatTimestamp(end),
		"duration_seconds": duration,
	}
	c.dispatch(TableSessions, func(ctx context.Context) error {
		if err := c.store.Update(ctx, TableSessions, patch, datastore.Eq("id", c.sessionID)); err != nil {
			return err
		}
		_, err := c.store.RPC(ctx, datastore.ProcCalculateSessionMetrics, map[string]any{
			"p_session_id": c.sessionID,
		})
		return err
	})
}

// Ended reports whether the session has been finalized.
func (c *Collector) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Wait blocks until all background writes finish or ctx is done.
func (c *Collector) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collector) handleSignal(sig Signal) {
	switch sig {
	case SignalVisibilityHidden:
		c.EndPageView()
	case SignalUnload:
		c.EndSession()
	}
}

// finishPage reports the dwell time of page to the rollup procedure.
func (c *Collector) finishPage(page string, start, end time.Time) {
	if page == "" || start.IsZero() {
		return
	}
	elapsed := end.Sub(start).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	args := map[string]any{
		"p_page_url":     page,
		"p_date":         end.UTC().Format(DateLayout),
		"p_time_on_page": math.Round(elapsed*1000) / 1000,
	}
	c.dispatch(TablePagePerformance, func(ctx context.Context) error {
		_, err := c.store.RPC(ctx, datastore.ProcUpdatePagePerformance, args)
		return err
	})
}

func (c *Collector) newEvent(t EventType, pageURL, title string, meta map[string]any, at time.Time) Event {
	fp := c.fingerprint
	return Event{
		ID:               uuid.NewString(),
		SessionID:        c.sessionID,
		EventType:        t,
		PageURL:          pageURL,
		PageTitle:        title,
		ReferrerURL:      c.attribution.Referrer,
		DeviceType:       fp.DeviceType,
		Browser:          fp.Browser,
		BrowserVersion:   fp.BrowserVersion,
		OS:               fp.OS,
		OSVersion:        fp.OSVersion,
		ScreenResolution: fp.ScreenResolution,
		Language:         fp.Language,
		Timezone:         fp.Timezone,
		Country:          fp.Country,
		Metadata:         meta,
		CreatedAt:        formatTimestamp(at),
	}
}

// writeEvent upserts ev keyed on its id, ignoring duplicates. Stores without
// native ignore-on-conflict report ErrConflict, which counts as success.
func (c *Collector) writeEvent(ctx context.Context, ev Event) error {
	row, err := datastore.RowOf(ev)
	if err != nil {
		return err
	}
	err = c.store.Upsert(ctx, TableEvents, row, "id", true)
	if errors.Is(err, datastore.ErrConflict) {
		return nil
	}
	return err
}

// dispatch queues fn for the background writer. Writes are issued one at
// a time in the order they were queued.
func (c *Collector) dispatch(table string, fn func(ctx context.Context) error) {
	c.wg.Add(1)
	c.qmu.Lock()
	c.queue = append(c.queue, write{table: table, fn: fn})
	if c.draining {
		c.qmu.Unlock()
		return
	}
	c.draining = true
	c.qmu.Unlock()
	go c.drain()
}

func (c *Collector) drain() {
	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.qmu.Unlock()
			return
		}
		w := c.queue[0]
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		c.run(w)
	}
}

func (c *Collector) run(w write) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("analytics: write panicked", "table", w.table, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	err := w.fn(ctx)
	c.metrics.observeWrite(w.table, err)
	if err != nil {
		c.logWriteFailure(w.table, err)
	}
}

func (c *Collector) logWriteFailure(table string, err error) {
	if c.silent {
		return
	}
	switch datastore.KindOf(err) {
	case datastore.ErrConflict:
		return
	case datastore.ErrStoreUnavailable:
		c.logger.Debug("analytics: store unavailable", "table", table, "session_id", c.sessionID, "error", err)
	default:
		c.logger.Warn("analytics: write failed", "table", table, "session_id", c.sessionID, "error", err)
	}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func withEntry(m map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
