// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package api provides the read-only REST API over the analytics reports.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/analytics"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/cache"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/middleware"
)

// Reports is the read side the API serves. *analytics.Reporter implements it.
type Reports interface {
	PagePerformance(ctx context.Context, dr analytics.DateRange, pageURL string) []analytics.PagePerformance
	KeywordPerformance(ctx context.Context, dr analytics.DateRange, keyword string) []analytics.KeywordPerformance
	TrafficSources(ctx context.Context, dr analytics.DateRange) []analytics.TrafficSource
	UserDemographics(ctx context.Context, dr analytics.DateRange) []analytics.UserDemographics
	SEOPerformance(ctx context.Context, dr analytics.DateRange, pageURL string) []analytics.SEOPerformance
	ConversionEvents(ctx context.Context, dr analytics.DateRange, conversionType string) []analytics.ConversionEvent
	CustomEvents(ctx context.Context, dr analytics.DateRange, category string) []analytics.CustomEvent
	Sessions(ctx context.Context, dr analytics.DateRange) []analytics.Session
	DashboardSummary(ctx context.Context, dr analytics.DateRange) analytics.DashboardSummary
}

// Handler holds shared dependencies for all API handlers.
type Handler struct {
	reports   Reports
	dashboard *cache.Typed[analytics.DashboardSummary]
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithCache caches dashboard summaries in c for ttl (0 uses the cache default).
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(h *Handler) {
		if c != nil {
			h.dashboard = cache.NewTyped[analytics.DashboardSummary](c, ttl)
		}
	}
}

// WithClock overrides the clock used for default date ranges.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a new API handler.
func NewHandler(reports Reports, opts ...Option) *Handler {
	h := &Handler{reports: reports, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the reporting router, meant to be mounted under
// /api/analytics. A non-empty token requires bearer authentication.
func (h *Handler) Routes(token string) chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "Unknown report")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Reports are read-only", nil)
	})

	r.Get("/status", h.Status)

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerToken(token))
		r.Get("/page-performance", h.PagePerformance)
		r.Get("/keywords", h.Keywords)
		r.Get("/traffic-sources", h.TrafficSources)
		r.Get("/demographics", h.Demographics)
		r.Get("/seo", h.SEO)
		r.Get("/conversions", h.Conversions)
		r.Get("/custom-events", h.CustomEvents)
		r.Get("/sessions", h.Sessions)
		r.Get("/dashboard", h.Dashboard)
	})
	return r
}

// Response is the standard API response wrapper.
type Response struct {
	Data any   `json:"data"`
	Meta *Meta `json:"meta,omitempty"`
}

// Meta describes the range and size of a report.
type Meta struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	Total  int    `json:"total"`
	Cached bool   `json:"cached,omitempty"`
}

// ErrorResponse is the standard API error response.
type ErrorResponse = middleware.APIError

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful JSON response.
func WriteSuccess(w http.ResponseWriter, data any, meta *Meta) {
	WriteJSON(w, http.StatusOK, Response{Data: data, Meta: meta})
}

// WriteError writes an error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details map[string]string) {
	middleware.WriteAPIError(w, statusCode, code, message, details)
}

// WriteNotFound writes a 404 Not Found response.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message, nil)
}

// WriteValidationError writes a 422 Unprocessable Entity response with field errors.
func WriteValidationError(w http.ResponseWriter, fieldErrors map[string]string) {
	WriteError(w, http.StatusUnprocessableEntity, "validation_error", "Validation failed", fieldErrors)
}

// StatusResponse contains API status information.
type StatusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Cache   bool   `json:"cache"`
}

// Status returns the API status.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	WriteSuccess(w, StatusResponse{
		Status:  "ok",
		Version: "v1",
		Cache:   h.dashboard != nil,
	}, nil)
}
