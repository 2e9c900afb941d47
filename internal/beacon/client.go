// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package beacon

import (
	"html"
	"net"
	"net/http"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mileusna/useragent"
	"golang.org/x/text/language"
)

// textPolicy strips all markup from client-supplied labels and titles.
var textPolicy = bluemonday.StrictPolicy()

// sanitizeText removes markup and returns plain text.
func sanitizeText(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(s)))
}

func sanitizeMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			v = sanitizeText(s)
		}
		out[sanitizeText(k)] = v
	}
	return out
}

// isBot reports whether ua belongs to a crawler or an empty client.
func isBot(ua string) bool {
	if strings.TrimSpace(ua) == "" {
		return true
	}
	return useragent.Parse(ua).Bot
}

// preferredLanguage returns the highest-weighted tag of an Accept-Language
// header, or "" when none parses.
func preferredLanguage(acceptLang string) string {
	if acceptLang == "" {
		return ""
	}
	tags, _, err := language.ParseAcceptLanguage(acceptLang)
	if err != nil || len(tags) == 0 {
		return ""
	}
	return tags[0].String()
}

// clientIP extracts the client IP from the request.
func clientIP(r *http.Request) string {
	// Check X-Real-IP header (set by reverse proxies)
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	// X-Forwarded-For can contain multiple IPs; the first is the client
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
