// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package geoip

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestResolverWithoutDatabase(t *testing.T) {
	r := NewResolver()
	if err := r.Open(""); err != nil {
		t.Fatalf("Open(\"\") = %v, want nil", err)
	}
	if r.Enabled() {
		t.Error("Enabled() = true without a database")
	}
	if got := r.LookupCountry("8.8.8.8"); got != "" {
		t.Errorf("LookupCountry = %q, want empty", got)
	}
	if err := r.Reload(); err != nil {
		t.Errorf("Reload without path = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}

func TestResolverMissingFile(t *testing.T) {
	r := NewResolver()
	err := r.Open(filepath.Join(t.TempDir(), "GeoLite2-Country.mmdb"))
	if err == nil {
		t.Fatal("Open on missing file succeeded")
	}
	if r.Enabled() {
		t.Error("Enabled() = true after failed open")
	}
}

func TestResolverInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.mmdb")
	if err := os.WriteFile(path, []byte("not a maxmind database"), 0o600); err != nil {
		t.Fatal(err)
	}
	r := NewResolver()
	if err := r.Open(path); err == nil {
		t.Error("Open on corrupt file succeeded")
	}
}

func TestLookupSkipsLocalAddresses(t *testing.T) {
	var nilResolver *Resolver
	if loc := nilResolver.Lookup("8.8.8.8"); loc != (Location{}) {
		t.Errorf("nil resolver Lookup = %+v", loc)
	}

	r := NewResolver()
	for _, ip := range []string{"", "garbage", "127.0.0.1", "::1", "10.1.2.3", "192.168.0.9", "fd00::1", "100.64.0.1"} {
		if loc := r.Lookup(ip); loc != (Location{}) {
			t.Errorf("Lookup(%q) = %+v, want empty", ip, loc)
		}
	}
}

func TestIsPrivate(t *testing.T) {
	tests := map[string]bool{
		"10.0.0.1":    true,
		"172.20.1.1":  true,
		"172.32.0.1":  false,
		"192.168.1.1": true,
		"8.8.8.8":     false,
		"fe80::1":     true,
		"2001:db8::1": false,
	}
	for ip, want := range tests {
		if got := isPrivate(net.ParseIP(ip)); got != want {
			t.Errorf("isPrivate(%s) = %v, want %v", ip, got, want)
		}
	}
}
