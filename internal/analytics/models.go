// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package analytics implements the podcast directory's telemetry collector:
// one session per client tab, page-view and interaction events written
// best-effort to the hosted datastore, and the read-side reports behind the
// analytics dashboard.
package analytics

import (
	"encoding/json"
	"strconv"
)

// Table names in the hosted datastore.
const (
	TableSessions         = "analytics_sessions"
	TableEvents           = "analytics_events"
	TableCustomEvents     = "analytics_custom_events"
	TableConversions      = "analytics_conversions"
	TablePagePerformance  = "analytics_page_performance"
	TableKeywords         = "analytics_keywords"
	TableTrafficSources   = "analytics_traffic_sources"
	TableUserDemographics = "analytics_user_demographics"
	TableSEOPerformance   = "analytics_seo_performance"
)

// EventType is the closed set of tracked actions.
type EventType string

const (
	EventPageView   EventType = "page_view"
	EventClick      EventType = "click"
	EventSearch     EventType = "search"
	EventDownload   EventType = "download"
	EventPlay       EventType = "play"
	EventPause      EventType = "pause"
	EventComplete   EventType = "complete"
	EventShare      EventType = "share"
	EventFormSubmit EventType = "form_submit"
	EventConversion EventType = "conversion"
)

var eventTypes = map[EventType]bool{
	EventPageView: true, EventClick: true, EventSearch: true, EventDownload: true,
	EventPlay: true, EventPause: true, EventComplete: true, EventShare: true,
	EventFormSubmit: true, EventConversion: true,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return eventTypes[t]
}

// Session is one continuous visit of a client tab.
// The counters and IsBounce are maintained by the store's finalization procedure.
type Session struct {
	ID               string   `json:"id"`
	UserID           *string  `json:"user_id,omitempty"`
	SessionStart     string   `json:"session_start"`
	SessionEnd       string   `json:"session_end,omitempty"`
	DurationSeconds  int64    `json:"duration_seconds,omitempty"`
	PageViewsCount   int64    `json:"page_views_count,omitempty"`
	ClicksCount      int64    `json:"clicks_count,omitempty"`
	SearchesCount    int64    `json:"searches_count,omitempty"`
	DownloadsCount   int64    `json:"downloads_count,omitempty"`
	PlaysCount       int64    `json:"plays_count,omitempty"`
	Country          string   `json:"country,omitempty"`
	City             string   `json:"city,omitempty"`
	Region           string   `json:"region,omitempty"`
	DeviceType       string   `json:"device_type"`
	Browser          string   `json:"browser"`
	BrowserVersion   string   `json:"browser_version"`
	OS               string   `json:"os"`
	OSVersion        string   `json:"os_version"`
	ScreenResolution string   `json:"screen_resolution"`
	Language         string   `json:"language"`
	Timezone         string   `json:"timezone"`
	Referrer         string   `json:"referrer,omitempty"`
	LandingPage      string   `json:"landing_page,omitempty"`
	UTMSource        string   `json:"utm_source,omitempty"`
	UTMMedium        string   `json:"utm_medium,omitempty"`
	UTMCampaign      string   `json:"utm_campaign,omitempty"`
	UTMTerm          string   `json:"utm_term,omitempty"`
	UTMContent       string   `json:"utm_content,omitempty"`
	IsBounce         flexBool `json:"is_bounce,omitempty"`
	ExitPage         string   `json:"exit_page,omitempty"`
	CreatedAt        string   `json:"created_at,omitempty"`
}

// Event is one discrete tracked action. ID is a dedup key generated by the
// client so repeated delivery is ignored by the store.
type Event struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	EventType        EventType      `json:"event_type"`
	PageURL          string         `json:"page_url"`
	PageTitle        string         `json:"page_title,omitempty"`
	ReferrerURL      string         `json:"referrer_url,omitempty"`
	DeviceType       string         `json:"device_type"`
	Browser          string         `json:"browser"`
	BrowserVersion   string         `json:"browser_version"`
	OS               string         `json:"os"`
	OSVersion        string         `json:"os_version"`
	ScreenResolution string         `json:"screen_resolution"`
	Language         string         `json:"language"`
	Timezone         string         `json:"timezone"`
	Country          string         `json:"country,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        string         `json:"created_at"`
}

// CustomEvent is the categorised projection of an Event.
type CustomEvent struct {
	ID            string   `json:"id"`
	SessionID     string   `json:"session_id"`
	EventCategory string   `json:"event_category"`
	EventAction   string   `json:"event_action"`
	EventLabel    string   `json:"event_label,omitempty"`
	EventValue    *float64 `json:"event_value,omitempty"`
	PageURL       string   `json:"page_url,omitempty"`
	Metadata      jsonMap  `json:"metadata,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

// ConversionEvent records a conversion. It is written with a plain insert.
type ConversionEvent struct {
	ID              any      `json:"id,omitempty"`
	SessionID       string   `json:"session_id"`
	ConversionType  string   `json:"conversion_type"`
	ConversionValue *float64 `json:"conversion_value,omitempty"`
	PageURL         string   `json:"page_url,omitempty"`
	Referrer        string   `json:"referrer,omitempty"`
	UTMSource       string   `json:"utm_source,omitempty"`
	UTMMedium       string   `json:"utm_medium,omitempty"`
	UTMCampaign     string   `json:"utm_campaign,omitempty"`
	Metadata        jsonMap  `json:"metadata,omitempty"`
	CreatedAt       string   `json:"created_at"`
}

// PagePerformance is a (page, date) rollup row.
type PagePerformance struct {
	PageURL         string  `json:"page_url"`
	PageTitle       string  `json:"page_title,omitempty"`
	Date            string  `json:"date"`
	PageViews       int64   `json:"page_views"`
	UniqueVisitors  int64   `json:"unique_visitors"`
	TotalTimeOnPage float64 `json:"total_time_on_page"`
	AvgTimeOnPage   float64 `json:"avg_time_on_page"`
	BounceRate      float64 `json:"bounce_rate"`
	ExitRate        float64 `json:"exit_rate"`
}

// KeywordPerformance is a (keyword, date) rollup row.
type KeywordPerformance struct {
	Keyword     string  `json:"keyword"`
	Date        string  `json:"date"`
	Searches    int64   `json:"searches"`
	Clicks      int64   `json:"clicks"`
	CTR         float64 `json:"ctr"`
	AvgPosition float64 `json:"avg_position"`
	AvgResults  float64 `json:"avg_results"`
	Conversions int64   `json:"conversions"`
}

// TrafficSource is a (source, medium, campaign, date) rollup row.
type TrafficSource struct {
	Source             string  `json:"source"`
	Medium             string  `json:"medium"`
	Campaign           string  `json:"campaign"`
	Date               string  `json:"date"`
	Sessions           int64   `json:"sessions"`
	Users              int64   `json:"users"`
	PageViews          int64   `json:"page_views"`
	BounceRate         float64 `json:"bounce_rate"`
	AvgSessionDuration float64 `json:"avg_session_duration"`
	Conversions        int64   `json:"conversions"`
}

// UserDemographics is a per-day audience breakdown row.
type UserDemographics struct {
	Date       string `json:"date"`
	Country    string `json:"country"`
	City       string `json:"city"`
	DeviceType string `json:"device_type"`
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	Language   string `json:"language"`
	Sessions   int64  `json:"sessions"`
	Users      int64  `json:"users"`
	PageViews  int64  `json:"page_views"`
}

// SEOPerformance is a (page, date) search-engine rollup row.
type SEOPerformance struct {
	PageURL        string  `json:"page_url"`
	Date           string  `json:"date"`
	Impressions    int64   `json:"impressions"`
	Clicks         int64   `json:"clicks"`
	CTR            float64 `json:"ctr"`
	AvgPosition    float64 `json:"avg_position"`
	OrganicTraffic int64   `json:"organic_traffic"`
	SEOScore       int64   `json:"seo_score"`
}

// DashboardSummary aggregates the reports shown on the dashboard landing page.
type DashboardSummary struct {
	TotalSessions      int                  `json:"total_sessions"`
	TotalUsers         int                  `json:"total_users"`
	TotalPageViews     int64                `json:"total_page_views"`
	AvgSessionDuration float64              `json:"avg_session_duration"`
	BounceRate         float64              `json:"bounce_rate"`
	TotalConversions   int                  `json:"total_conversions"`
	ConversionValue    float64              `json:"conversion_value"`
	TopPages           []PagePerformance    `json:"top_pages"`
	TopKeywords        []KeywordPerformance `json:"top_keywords"`
	TrafficSources     []TrafficSource      `json:"traffic_sources"`
	Demographics       []UserDemographics   `json:"demographics"`
}

// flexBool decodes booleans stored as true/false, 0/1 or "t"/"f".
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case bool:
		*b = flexBool(val)
	case float64:
		*b = val != 0
	case string:
		parsed, _ := strconv.ParseBool(val)
		*b = flexBool(parsed)
	default:
		*b = false
	}
	return nil
}

// jsonMap decodes metadata stored either as a JSON object or as JSON text.
type jsonMap map[string]any

func (m *jsonMap) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*m = nil
			return nil
		}
		data = []byte(s)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*m = out
	return nil
}
