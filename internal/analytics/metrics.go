// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package analytics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/datastore"
)

// Metrics holds the collector's Prometheus instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	writes    *prometheus.CounterVec
	reads     *prometheus.CounterVec
	throttled prometheus.Counter
	active    prometheus.Gauge
}

// NewMetrics creates the instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poddb",
			Subsystem: "analytics",
			Name:      "writes_total",
			Help:      "Analytics store writes by table and outcome.",
		}, []string{"table", "outcome"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poddb",
			Subsystem: "analytics",
			Name:      "reads_total",
			Help:      "Analytics report queries by table and outcome.",
		}, []string{"table", "outcome"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poddb",
			Subsystem: "analytics",
			Name:      "events_throttled_total",
			Help:      "Events dropped by the per-session throttle.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poddb",
			Subsystem: "analytics",
			Name:      "active_sessions",
			Help:      "Collectors currently held by the beacon hub.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.writes, m.reads, m.throttled, m.active)
	}
	return m
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch datastore.KindOf(err) {
	case datastore.ErrStoreUnavailable:
		return "unavailable"
	case datastore.ErrConflict:
		return "conflict"
	case datastore.ErrNetwork:
		return "network"
	default:
		return "error"
	}
}

func (m *Metrics) observeWrite(table string, err error) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(table, outcome(err)).Inc()
}

func (m *Metrics) observeRead(table string, err error) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(table, outcome(err)).Inc()
}

func (m *Metrics) observeThrottled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}

// SessionOpened increments the active-session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// SessionClosed decrements the active-session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}
