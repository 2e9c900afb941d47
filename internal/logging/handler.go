// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package logging provides the service's slog setup and a handler that counts
// WARN and ERROR records in Prometheus so write failures show up on dashboards.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// ParseLevel maps a configured level name to a slog.Level. Unknown names
// fall back to INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger: text output in development, JSON
// otherwise. A non-nil registry gets the record counter attached.
func NewLogger(w io.Writer, level slog.Level, development bool, reg prometheus.Registerer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if development {
		inner = slog.NewTextHandler(w, opts)
	} else {
		inner = slog.NewJSONHandler(w, opts)
	}
	if reg == nil {
		return slog.New(inner)
	}
	return slog.New(NewCountingHandler(inner, reg))
}

// CountingHandler is a slog.Handler that wraps another handler and counts
// records at WARN and above by level and component.
type CountingHandler struct {
	inner     slog.Handler
	counter   *prometheus.CounterVec
	level     slog.Level // Minimum level to count (default: WARN)
	component string     // Inherited from a WithAttrs("component", ...) call
}

// NewCountingHandler creates a CountingHandler registered on reg.
func NewCountingHandler(inner slog.Handler, reg prometheus.Registerer) *CountingHandler {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poddb",
		Subsystem: "log",
		Name:      "records_total",
		Help:      "Log records at WARN level or above, by level and component.",
	}, []string{"level", "component"})

	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			counter = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return &CountingHandler{inner: inner, counter: counter, level: slog.LevelWarn}
}

// NewCountingHandlerWithLevel creates a CountingHandler with a custom minimum level.
func NewCountingHandlerWithLevel(inner slog.Handler, reg prometheus.Registerer, level slog.Level) *CountingHandler {
	h := NewCountingHandler(inner, reg)
	h.level = level
	return h
}

// Enabled implements slog.Handler.
func (h *CountingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *CountingHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	if r.Level >= h.level {
		h.counter.WithLabelValues(levelLabel(r.Level), h.componentOf(r)).Inc()
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *CountingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	return &CountingHandler{
		inner:     h.inner.WithAttrs(attrs),
		counter:   h.counter,
		level:     h.level,
		component: component,
	}
}

// WithGroup implements slog.Handler.
func (h *CountingHandler) WithGroup(name string) slog.Handler {
	return &CountingHandler{
		inner:     h.inner.WithGroup(name),
		counter:   h.counter,
		level:     h.level,
		component: h.component,
	}
}

// componentOf prefers a record-level "component" attribute over the inherited one.
func (h *CountingHandler) componentOf(r slog.Record) string {
	component := h.component
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	if component == "" {
		return "system"
	}
	return component
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
