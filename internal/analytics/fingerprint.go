// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package analytics

import (
	"regexp"
	"strings"
)

// Device types.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

// unknownValue is reported for anything the user agent does not reveal.
const unknownValue = "Unknown"

// sentinelValue is reported for every attribute outside a browser.
const sentinelValue = "unknown"

// Fingerprint is the device/browser context attached to every session and event.
type Fingerprint struct {
	DeviceType       string
	Browser          string
	BrowserVersion   string
	OS               string
	OSVersion        string
	ScreenResolution string
	Language         string
	Timezone         string
	Country          string
	Region           string
	City             string
}

// UserAgentInfo is the result of classifying a user-agent string.
type UserAgentInfo struct {
	DeviceType     string
	Browser        string
	BrowserVersion string
	OS             string
	OSVersion      string
}

var (
	tabletRe = regexp.MustCompile(`(?i)tablet|ipad|playbook|silk`)
	mobileRe = regexp.MustCompile(`(?i)mobi|iphone|ipod|android|blackberry|iemobile|opera mini|webos`)
)

type uaPattern struct {
	name    string
	match   func(ua string) bool
	version *regexp.Regexp
	group   int
}

func contains(token string) func(string) bool {
	return func(ua string) bool { return strings.Contains(ua, token) }
}

// browserPatterns are tried in order; the first match wins.
var browserPatterns = []uaPattern{
	{name: "Chrome", match: contains("Chrome"), version: regexp.MustCompile(`Chrome/(\d+)`), group: 1},
	{name: "Firefox", match: contains("Firefox"), version: regexp.MustCompile(`Firefox/(\d+)`), group: 1},
	{name: "Safari", match: contains("Safari"), version: regexp.MustCompile(`Version/(\d+)`), group: 1},
	{name: "Edge", match: contains("Edg"), version: regexp.MustCompile(`Edg(?:e|A|iOS)?/(\d+)`), group: 1},
}

// osPatterns are tried in order; the first match wins.
var osPatterns = []uaPattern{
	{name: "Windows", match: contains("Windows"), version: regexp.MustCompile(`Windows NT (\d+\.\d+)`), group: 1},
	{name: "macOS", match: contains("Macintosh"), version: regexp.MustCompile(`Mac OS X (\d+[._]\d+)`), group: 1},
	{name: "Linux", match: func(ua string) bool {
		return strings.Contains(ua, "Linux") && !strings.Contains(ua, "Android")
	}},
	{name: "Android", match: contains("Android"), version: regexp.MustCompile(`Android (\d+(?:\.\d+)?)`), group: 1},
	{name: "iOS", match: func(ua string) bool {
		return strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad") || strings.Contains(ua, "iPod")
	}, version: regexp.MustCompile(`OS (\d+[._]\d+)`), group: 1},
}

// ParseUserAgent classifies a user-agent string. Unmatched names and
// versions are reported as "Unknown".
func ParseUserAgent(ua string) UserAgentInfo {
	info := UserAgentInfo{DeviceType: deviceType(ua)}
	info.Browser, info.BrowserVersion = firstMatch(browserPatterns, ua)
	info.OS, info.OSVersion = firstMatch(osPatterns, ua)
	return info
}

func deviceType(ua string) string {
	switch {
	case tabletRe.MatchString(ua):
		return DeviceTablet
	case mobileRe.MatchString(ua):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

func firstMatch(patterns []uaPattern, ua string) (name, version string) {
	for _, p := range patterns {
		if !p.match(ua) {
			continue
		}
		version = unknownValue
		if p.version == nil {
			version = ""
		} else if m := p.version.FindStringSubmatch(ua); len(m) > p.group {
			version = strings.ReplaceAll(m[p.group], "_", ".")
		}
		return p.name, version
	}
	return unknownValue, unknownValue
}

// sentinelFingerprint is used outside a browser.
func sentinelFingerprint() Fingerprint {
	return Fingerprint{
		DeviceType:       DeviceDesktop,
		Browser:          sentinelValue,
		BrowserVersion:   sentinelValue,
		OS:               sentinelValue,
		OSVersion:        sentinelValue,
		ScreenResolution: sentinelValue,
		Language:         sentinelValue,
		Timezone:         sentinelValue,
	}
}

// fingerprintOf builds the fingerprint of env. geo may be nil.
func fingerprintOf(env Environment, geo GeoResolver) Fingerprint {
	if env == nil || !env.IsBrowser() {
		return sentinelFingerprint()
	}
	ua := ParseUserAgent(env.UserAgent())
	fp := Fingerprint{
		DeviceType:       ua.DeviceType,
		Browser:          ua.Browser,
		BrowserVersion:   ua.BrowserVersion,
		OS:               ua.OS,
		OSVersion:        ua.OSVersion,
		ScreenResolution: orDefault(env.ScreenResolution(), sentinelValue),
		Language:         orDefault(env.Language(), sentinelValue),
		Timezone:         orDefault(env.Timezone(), sentinelValue),
	}
	if geo != nil {
		ip := env.ClientIP()
		fp.Country = geo.LookupCountry(ip)
		if lr, ok := geo.(LocationResolver); ok {
			fp.Region, fp.City = lr.LookupRegionCity(ip)
		}
	}
	return fp
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
