// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package beacon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/analytics"
)

// maxBeaconBytes caps a beacon body.
const maxBeaconBytes = 64 << 10

type pageViewRequest struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
}

type eventRequest struct {
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Label     string         `json:"label"`
	Value     *float64       `json:"value"`
	PageURL   string         `json:"page_url"`
	Metadata  map[string]any `json:"metadata"`
}

type clickRequest struct {
	SessionID string         `json:"session_id"`
	Element   string         `json:"element"`
	PageURL   string         `json:"page_url"`
	Metadata  map[string]any `json:"metadata"`
}

type searchRequest struct {
	SessionID    string         `json:"session_id"`
	Query        string         `json:"query"`
	ResultsCount *int           `json:"results_count"`
	Metadata     map[string]any `json:"metadata"`
}

type conversionRequest struct {
	SessionID      string         `json:"session_id"`
	ConversionType string         `json:"conversion_type"`
	Value          *float64       `json:"value"`
	Metadata       map[string]any `json:"metadata"`
}

type signalRequest struct {
	SessionID string `json:"session_id"`
}

// Routes returns the beacon router, meant to be mounted under /t.
func (h *Hub) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/session", h.handleSession)
	r.Post("/pageview", h.handlePageView)
	r.Post("/event", h.handleEvent)
	r.Post("/click", h.handleClick)
	r.Post("/search", h.handleSearch)
	r.Post("/conversion", h.handleConversion)
	r.Post("/visibility", h.handleVisibility)
	r.Post("/unload", h.handleUnload)
	return r
}

// decodeBeacon reads a JSON beacon. navigator.sendBeacon posts text/plain,
// so the content type is not checked. An empty body decodes to the zero value.
func decodeBeacon(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBeaconBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid beacon payload", http.StatusBadRequest)
		return false
	}
	return true
}

func noContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleSession(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !decodeBeacon(w, r, &req) {
		return
	}
	h.open(w, r, req)
	noContent(w)
}

func (h *Hub) handlePageView(w http.ResponseWriter, r *http.Request) {
	var req pageViewRequest
	if !decodeBeacon(w, r, &req) {
		return
	}
	s := h.lookup(r, req.SessionID)
	if s == nil {
		// The server restarted or the session was swept; resume it from the cookie.
		s = h.open(w, r, openRequest{SessionID: req.SessionID, URL: req.URL})
	}
	if s != nil {
		s.collector.TrackPageView(analytics.PagePath(req.URL), sanitizeText(req.Title))
	}
	noContent(w)
}

func (h *Hub) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decodeBeacon(w, r, &req) {
		return
	}
	eventType := analytics.EventType(req.EventType)
	if !eventType.Valid() {
		h.logger.Debug("dropping beacon with unknown event type", "event_type", req.EventType)
		noContent(w)
		return
	}
	if s := h.resume(w, r, req.SessionID, req.PageURL); s != nil {
		s.collector.TrackEvent(eventType, analytics.EventParams{
			Category: sanitizeText(req.Category),
			Action:   sanitizeText(req.Action),
			Label:    sanitizeText(req.Label),
			Value:    req.Value,
			PageURL:  req.PageURL,
			Metadata: sanitizeMetadata(req.Metadata),
		})
	}
	noContent(w)
}

func (h *Hub) handleClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if !decodeBeacon(w, r, &req) {
		return
	}
	if s := h.resume(w, r, req.SessionID, req.PageURL); s != nil {
		s.collector.TrackClick(sanitizeText(req.Element), req.PageURL, sanitizeMetadata(req.Metadata))
	}
	noContent(w)
}

func (h *Hub) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeBeacon(w, r, &req) {
		return
	}
	if s := h.resume(w, r, req.SessionID, ""); s != nil {
		s.collector.TrackSearch(sanitizeText(req.Query), req.ResultsCount, sanitizeMetadata(req.Metadata))
	}
	noContent(w)
}

func (h *Hub) handleConversion(w http.ResponseWriter, r *http.Request) {
	var req conversionRequest
	if !decodeBeacon(w, r, &req) {
		return
	}
	if req.ConversionType == "" {
		noContent(w)
		return
	}
	if s := h.resume(w, r, req.SessionID, ""); s != nil {
		s.collector.TrackConversion(sanitizeText(req.ConversionType), req.Value, sanitizeMetadata(req.Metadata))
	}
	noContent(w)
}

func (h *Hub) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if !decodeBeacon(w, r, &req) {
		return
	}
	if s := h.lookup(r, req.SessionID); s != nil {
		h.hide(s)
	}
	noContent(w)
}

func (h *Hub) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if !decodeBeacon(w, r, &req) {
		return
	}
	if s := h.lookup(r, req.SessionID); s != nil {
		h.close(s.collector.SessionID())
	}
	noContent(w)
}
