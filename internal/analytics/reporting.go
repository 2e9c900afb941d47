// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package analytics

import (
	"context"
	"log/slog"
	"sort"

	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/datastore"
)

// topN caps the ranked lists in the dashboard summary.
const topN = 10

// DateRange is an inclusive range of calendar dates (YYYY-MM-DD).
type DateRange struct {
	Start string
	End   string
}

// startTimestamp and endTimestamp widen the range to whole days for
// timestamp columns.
func (r DateRange) startTimestamp() string { return r.Start + "T00:00:00.000Z" }
func (r DateRange) endTimestamp() string   { return r.End + "T23:59:59.999Z" }

// Reporter runs the dashboard's read-side queries. Every report degrades to
// an empty result when the store fails; failures are logged, never returned.
type Reporter struct {
	store   datastore.Store
	logger  *slog.Logger
	metrics *Metrics
}

// NewReporter creates a Reporter. logger and metrics may be nil.
func NewReporter(store datastore.Store, logger *slog.Logger, metrics *Metrics) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: store, logger: logger, metrics: metrics}
}

// fetch selects rows of table within the range on column col, newest first,
// and decodes them into T.
func fetch[T any](ctx context.Context, r *Reporter, table, col, start, end string, extra ...datastore.Filter) []T {
	out := []T{}
	if r == nil || r.store == nil {
		return out
	}

	filters := make([]datastore.Filter, 0, len(extra)+2)
	filters = append(filters, datastore.Gte(col, start), datastore.Lte(col, end))
	filters = append(filters, extra...)

	rows, err := r.store.Select(ctx, datastore.Query{
		Table:   table,
		Filters: filters,
		OrderBy: col,
		Desc:    true,
	})
	r.metrics.observeRead(table, err)
	if err != nil {
		r.logger.Warn("analytics: report query failed", "table", table, "error", err)
		return out
	}
	if len(rows) == 0 {
		return out
	}
	if err := datastore.Decode(rows, &out); err != nil {
		r.logger.Warn("analytics: decoding report rows", "table", table, "error", err)
		return []T{}
	}
	return out
}

func optionalEq(column, value string) []datastore.Filter {
	if value == "" {
		return nil
	}
	return []datastore.Filter{datastore.Eq(column, value)}
}

// PagePerformance returns page rollups in the range, optionally for one page.
func (r *Reporter) PagePerformance(ctx context.Context, dr DateRange, pageURL string) []PagePerformance {
	return fetch[PagePerformance](ctx, r, TablePagePerformance, "date", dr.Start, dr.End,
		optionalEq("page_url", pageURL)...)
}

// KeywordPerformance returns search keyword rollups, optionally for one keyword.
func (r *Reporter) KeywordPerformance(ctx context.Context, dr DateRange, keyword string) []KeywordPerformance {
	return fetch[KeywordPerformance](ctx, r, TableKeywords, "date", dr.Start, dr.End,
		optionalEq("keyword", keyword)...)
}

// TrafficSources returns traffic source rollups.
func (r *Reporter) TrafficSources(ctx context.Context, dr DateRange) []TrafficSource {
	return fetch[TrafficSource](ctx, r, TableTrafficSources, "date", dr.Start, dr.End)
}

// UserDemographics returns audience breakdown rows.
func (r *Reporter) UserDemographics(ctx context.Context, dr DateRange) []UserDemographics {
	return fetch[UserDemographics](ctx, r, TableUserDemographics, "date", dr.Start, dr.End)
}

// SEOPerformance returns search-engine rollups, optionally for one page.
func (r *Reporter) SEOPerformance(ctx context.Context, dr DateRange, pageURL string) []SEOPerformance {
	return fetch[SEOPerformance](ctx, r, TableSEOPerformance, "date", dr.Start, dr.End,
		optionalEq("page_url", pageURL)...)
}

// ConversionEvents returns conversions recorded in the range, optionally of one type.
func (r *Reporter) ConversionEvents(ctx context.Context, dr DateRange, conversionType string) []ConversionEvent {
	return fetch[ConversionEvent](ctx, r, TableConversions, "created_at", dr.startTimestamp(), dr.endTimestamp(),
		optionalEq("conversion_type", conversionType)...)
}

// CustomEvents returns categorised events in the range, optionally of one category.
func (r *Reporter) CustomEvents(ctx context.Context, dr DateRange, category string) []CustomEvent {
	return fetch[CustomEvent](ctx, r, TableCustomEvents, "created_at", dr.startTimestamp(), dr.endTimestamp(),
		optionalEq("event_category", category)...)
}

// Sessions returns sessions started in the range.
func (r *Reporter) Sessions(ctx context.Context, dr DateRange) []Session {
	return fetch[Session](ctx, r, TableSessions, "session_start", dr.startTimestamp(), dr.endTimestamp())
}

// DashboardSummary aggregates sessions, page rollups and conversions in the range.
// TotalUsers counts distinct non-empty user ids; BounceRate is a percentage
// of bounced sessions and 0 when there are none.
func (r *Reporter) DashboardSummary(ctx context.Context, dr DateRange) DashboardSummary {
	sessions := r.Sessions(ctx, dr)
	pages := r.PagePerformance(ctx, dr, "")
	conversions := r.ConversionEvents(ctx, dr, "")
	keywords := r.KeywordPerformance(ctx, dr, "")

	summary := DashboardSummary{
		TotalSessions:    len(sessions),
		TotalConversions: len(conversions),
		TopPages:         topPages(pages),
		TopKeywords:      topKeywords(keywords),
		TrafficSources:   r.TrafficSources(ctx, dr),
		Demographics:     r.UserDemographics(ctx, dr),
	}

	users := make(map[string]struct{})
	var bounced int
	var duration int64
	for _, s := range sessions {
		if s.UserID != nil && *s.UserID != "" {
			users[*s.UserID] = struct{}{}
		}
		if s.IsBounce {
			bounced++
		}
		duration += s.DurationSeconds
	}
	summary.TotalUsers = len(users)
	if len(sessions) > 0 {
		summary.BounceRate = 100 * float64(bounced) / float64(len(sessions))
		summary.AvgSessionDuration = float64(duration) / float64(len(sessions))
	}

	for _, p := range pages {
		summary.TotalPageViews += p.PageViews
	}
	for _, c := range conversions {
		if c.ConversionValue != nil {
			summary.ConversionValue += *c.ConversionValue
		}
	}
	return summary
}

// topPages sums rollups per page across the range and ranks them by views.
func topPages(rows []PagePerformance) []PagePerformance {
	byURL := make(map[string]*PagePerformance)
	order := make([]string, 0)
	for _, row := range rows {
		p, ok := byURL[row.PageURL]
		if !ok {
			p = &PagePerformance{PageURL: row.PageURL, PageTitle: row.PageTitle, Date: row.Date}
			byURL[row.PageURL] = p
			order = append(order, row.PageURL)
		}
		p.PageViews += row.PageViews
		p.UniqueVisitors += row.UniqueVisitors
		p.TotalTimeOnPage += row.TotalTimeOnPage
	}

	out := make([]PagePerformance, 0, len(order))
	for _, url := range order {
		p := byURL[url]
		if p.PageViews > 0 {
			p.AvgTimeOnPage = p.TotalTimeOnPage / float64(p.PageViews)
		}
		out = append(out, *p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PageViews > out[j].PageViews })
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// topKeywords sums rollups per keyword and ranks them by searches.
func topKeywords(rows []KeywordPerformance) []KeywordPerformance {
	byKeyword := make(map[string]*KeywordPerformance)
	order := make([]string, 0)
	for _, row := range rows {
		k, ok := byKeyword[row.Keyword]
		if !ok {
			k = &KeywordPerformance{Keyword: row.Keyword, Date: row.Date}
			byKeyword[row.Keyword] = k
			order = append(order, row.Keyword)
		}
		k.Searches += row.Searches
		k.Clicks += row.Clicks
		k.Conversions += row.Conversions
	}

	out := make([]KeywordPerformance, 0, len(order))
	for _, kw := range order {
		k := byKeyword[kw]
		if k.Searches > 0 {
			k.CTR = 100 * float64(k.Clicks) / float64(k.Searches)
		}
		out = append(out, *k)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Searches > out[j].Searches })
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}
