// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package geoip resolves client IPs to locations using a MaxMind GeoLite2
// Country or City database. Without a database every lookup is empty, so the
// analytics geo fields stay absent.
package geoip

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
)

// privateCIDRs are never looked up.
var privateCIDRs = func() []*net.IPNet {
	var out []*net.IPNet
	for _, block := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10", // carrier-grade NAT
		"fc00::/7",      // IPv6 unique local
		"fe80::/10",     // IPv6 link-local
	} {
		if _, cidr, err := net.ParseCIDR(block); err == nil {
			out = append(out, cidr)
		}
	}
	return out
}()

// Location is the resolved position of a client.
type Location struct {
	Country string
	Region  string
	City    string
}

// record matches both the GeoLite2-Country and GeoLite2-City layouts.
type record struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Subdivisions []struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"subdivisions"`
}

// Resolver looks up IPs in a MaxMind database that can be reloaded in place.
type Resolver struct {
	mu        sync.RWMutex
	db        *maxminddb.Reader
	dbPath    string
	dbModTime time.Time
}

// NewResolver creates a Resolver with no database loaded.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Open loads the database at path. An empty path leaves lookups disabled
// and is not an error.
func (r *Resolver) Open(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dbPath = path
	if path == "" {
		return nil
	}
	return r.load()
}

// load opens or replaces the database when the file changed. Caller must hold r.mu.
func (r *Resolver) load() error {
	info, err := os.Stat(r.dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("geoip database not found: %s", r.dbPath)
		}
		return fmt.Errorf("geoip database stat: %w", err)
	}

	if r.db != nil && info.ModTime().Equal(r.dbModTime) {
		return nil
	}

	db, err := maxminddb.Open(r.dbPath)
	if err != nil {
		return fmt.Errorf("opening geoip database: %w", err)
	}

	if r.db != nil {
		_ = r.db.Close()
	}
	r.db = db
	r.dbModTime = info.ModTime()
	return nil
}

// Reload re-opens the database if the file on disk changed. A failed reload
// keeps the previous database.
func (r *Resolver) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dbPath == "" {
		return nil
	}
	return r.load()
}

// Enabled reports whether a database is loaded.
func (r *Resolver) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.db != nil
}

// LookupCountry returns the ISO country code for ip, or "" when unknown.
func (r *Resolver) LookupCountry(ip string) string {
	return r.Lookup(ip).Country
}

// LookupRegionCity returns the subdivision code and English city name for ip.
func (r *Resolver) LookupRegionCity(ip string) (region, city string) {
	loc := r.Lookup(ip)
	return loc.Region, loc.City
}

// Lookup resolves ip. Private, loopback and malformed addresses resolve to
// an empty Location.
func (r *Resolver) Lookup(ip string) Location {
	if r == nil {
		return Location{}
	}
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || isPrivate(parsed) {
		return Location{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return Location{}
	}

	var rec record
	if err := r.db.Lookup(parsed, &rec); err != nil {
		return Location{}
	}

	loc := Location{Country: rec.Country.ISOCode, City: rec.City.Names["en"]}
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].ISOCode
	}
	return loc
}

// Close releases the database.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func isPrivate(ip net.IP) bool {
	for _, cidr := range privateCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
