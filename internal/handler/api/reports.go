// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/analytics"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/cache"
)

// DefaultRangeDays is the report window when no dates are given.
const DefaultRangeDays = 30

// maxRangeDays caps how far apart start and end may be.
const maxRangeDays = 366

// parseDateRange reads start and end (YYYY-MM-DD). Missing values default to
// the last DefaultRangeDays days ending today (UTC). Returns field errors
// when the range is invalid.
func (h *Handler) parseDateRange(r *http.Request) (analytics.DateRange, map[string]string) {
	q := r.URL.Query()
	errs := map[string]string{}

	end := h.now().UTC()
	if v := strings.TrimSpace(q.Get("end")); v != "" {
		t, err := time.Parse(analytics.DateLayout, v)
		if err != nil {
			errs["end"] = "must be a date in YYYY-MM-DD format"
		}
		end = t
	}

	start := end.AddDate(0, 0, -(DefaultRangeDays - 1))
	if v := strings.TrimSpace(q.Get("start")); v != "" {
		t, err := time.Parse(analytics.DateLayout, v)
		if err != nil {
			errs["start"] = "must be a date in YYYY-MM-DD format"
		}
		start = t
	}

	if len(errs) == 0 {
		switch {
		case start.After(end):
			errs["start"] = "must not be after end"
		case end.Sub(start) > maxRangeDays*24*time.Hour:
			errs["start"] = "range must not exceed one year"
		}
	}
	if len(errs) > 0 {
		return analytics.DateRange{}, errs
	}

	return analytics.DateRange{
		Start: start.Format(analytics.DateLayout),
		End:   end.Format(analytics.DateLayout),
	}, nil
}

// requireDateRange parses the range or writes a validation error.
func (h *Handler) requireDateRange(w http.ResponseWriter, r *http.Request) (analytics.DateRange, bool) {
	dr, errs := h.parseDateRange(r)
	if errs != nil {
		WriteValidationError(w, errs)
		return dr, false
	}
	return dr, true
}

// writeReport writes rows with range metadata.
func writeReport[T any](w http.ResponseWriter, dr analytics.DateRange, rows []T) {
	WriteSuccess(w, rows, &Meta{Start: dr.Start, End: dr.End, Total: len(rows)})
}

func filter(r *http.Request, name string) string {
	return strings.TrimSpace(r.URL.Query().Get(name))
}

// PagePerformance handles GET /page-performance?page_url=.
func (h *Handler) PagePerformance(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.requireDateRange(w, r)
	if !ok {
		return
	}
	writeReport(w, dr, h.reports.PagePerformance(r.Context(), dr, filter(r, "page_url")))
}

// Keywords handles GET /keywords?keyword=.
func (h *Handler) Keywords(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.requireDateRange(w, r)
	if !ok {
		return
	}
	writeReport(w, dr, h.reports.KeywordPerformance(r.Context(), dr, filter(r, "keyword")))
}

// TrafficSources handles GET /traffic-sources.
func (h *Handler) TrafficSources(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.requireDateRange(w, r)
	if !ok {
		return
	}
	writeReport(w, dr, h.reports.TrafficSources(r.Context(), dr))
}

// Demographics handles GET /demographics.
func (h *Handler) Demographics(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.requireDateRange(w, r)
	if !ok {
		return
	}
	writeReport(w, dr, h.reports.UserDemographics(r.Context(), dr))
}

// SEO handles GET /seo?page_url=.
func (h *Handler) SEO(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.requireDateRange(w, r)
	if !ok {
		return
	}
	writeReport(w, dr, h.reports.SEOPerformance(r.Context(), dr, filter(r, "page_url")))
}

// Conversions handles GET /conversions?type=.
func (h *Handler) Conversions(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.requireDateRange(w, r)
	if !ok {
		return
	}
	writeReport(w, dr, h.reports.ConversionEvents(r.Context(), dr, filter(r, "type")))
}

// CustomEvents handles GET /custom-events?category=.
func (h *Handler) CustomEvents(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.requireDateRange(w, r)
	if !ok {
		return
	}
	writeReport(w, dr, h.reports.CustomEvents(r.Context(), dr, filter(r, "category")))
}

// Sessions handles GET /sessions.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.requireDateRange(w, r)
	if !ok {
		return
	}
	writeReport(w, dr, h.reports.Sessions(r.Context(), dr))
}

// Dashboard handles GET /dashboard. Summaries are served from the report
// cache when one is configured.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	dr, ok := h.requireDateRange(w, r)
	if !ok {
		return
	}

	key := cache.Key("dashboard", dr.Start, dr.End)
	if summary, hit := h.dashboard.Get(r.Context(), key); hit {
		WriteSuccess(w, summary, &Meta{Start: dr.Start, End: dr.End, Total: summary.TotalSessions, Cached: true})
		return
	}

	summary := h.reports.DashboardSummary(r.Context(), dr)
	// Reports degrade to empty on store errors, so an empty summary is
	// never cached: it may be an outage rather than a quiet range.
	if summary.TotalSessions > 0 {
		if err := h.dashboard.Set(r.Context(), key, summary); err != nil {
			h.logger.Debug("dashboard cache write failed", "error", err)
		}
	}
	WriteSuccess(w, summary, &Meta{Start: dr.Start, End: dr.End, Total: summary.TotalSessions})
}
