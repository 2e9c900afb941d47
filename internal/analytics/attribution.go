// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package analytics

import (
	"net/url"
	"strings"
)

// Attribution is the acquisition context captured once per session.
type Attribution struct {
	Referrer     string
	LandingPage  string
	UTMSource    string
	UTMMedium    string
	UTMCampaign  string
	UTMTerm      string
	UTMContent   string
	ReferrerHost string
}

// ParseAttribution extracts the landing page and campaign tags from the
// current location and classifies the referrer.
func ParseAttribution(location, referrer string) Attribution {
	a := Attribution{Referrer: referrer}

	if u, err := url.Parse(location); err == nil {
		a.LandingPage = u.Path
		if a.LandingPage == "" {
			a.LandingPage = "/"
		}
		q := u.Query()
		a.UTMSource = q.Get("utm_source")
		a.UTMMedium = q.Get("utm_medium")
		a.UTMCampaign = q.Get("utm_campaign")
		a.UTMTerm = q.Get("utm_term")
		a.UTMContent = q.Get("utm_content")
	}

	if r, err := url.Parse(referrer); err == nil && r.Host != "" {
		a.ReferrerHost = strings.TrimPrefix(strings.ToLower(r.Hostname()), "www.")
	}
	return a
}

// PagePath returns the path of a location, or the location unchanged when it
// does not parse as a URL.
func PagePath(location string) string {
	u, err := url.Parse(location)
	if err != nil || u.Path == "" {
		return location
	}
	return u.Path
}
