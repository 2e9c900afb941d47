// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sessionCounters maps event types to the session counter they feed.
var sessionCounters = []struct {
	eventType string
	column    string
}{
	{"page_view", "page_views_count"},
	{"click", "clicks_count"},
	{"search", "searches_count"},
	{"download", "downloads_count"},
	{"play", "plays_count"},
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

func argFloat(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// updatePagePerformance accumulates one finished page view into the
// (page_url, date) rollup row.
func updatePagePerformance(ctx context.Context, tx *sql.Tx, d Dialect, args map[string]any) (any, error) {
	pageURL, err := argString(args, "p_page_url")
	if err != nil {
		return nil, err
	}
	date, err := argString(args, "p_date")
	if err != nil {
		return nil, err
	}
	seconds := argFloat(args, "p_time_on_page")
	if seconds < 0 {
		seconds = 0
	}
	now := time.Now().UTC().Format(time.RFC3339)

	var query string
	switch d {
	case DialectMySQL:
		// Assignments are evaluated left to right, so avg must come first.
		query = `
			INSERT INTO analytics_page_performance
				(page_url, date, page_views, total_time_on_page, avg_time_on_page, updated_at)
			VALUES (?, ?, 1, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				avg_time_on_page = (total_time_on_page + VALUES(total_time_on_page)) / (page_views + 1),
				total_time_on_page = total_time_on_page + VALUES(total_time_on_page),
				page_views = page_views + 1,
				updated_at = VALUES(updated_at)`
	default:
		query = `
			INSERT INTO analytics_page_performance
				(page_url, date, page_views, total_time_on_page, avg_time_on_page, updated_at)
			VALUES (` + d.placeholder(1) + `, ` + d.placeholder(2) + `, 1, ` + d.placeholder(3) + `, ` +
			d.placeholder(4) + `, ` + d.placeholder(5) + `)
			ON CONFLICT (page_url, date) DO UPDATE SET
				page_views = analytics_page_performance.page_views + 1,
				total_time_on_page = analytics_page_performance.total_time_on_page + excluded.total_time_on_page,
				avg_time_on_page = (analytics_page_performance.total_time_on_page + excluded.total_time_on_page)
					/ (analytics_page_performance.page_views + 1),
				updated_at = excluded.updated_at`
	}

	if _, err := tx.ExecContext(ctx, query, pageURL, date, seconds, seconds, now); err != nil {
		return nil, err
	}
	return nil, nil
}

// calculateSessionMetrics derives per-session counters, the bounce flag and
// the exit page from the raw events of one session.
func calculateSessionMetrics(ctx context.Context, tx *sql.Tx, d Dialect, args map[string]any) (any, error) {
	sessionID, err := argString(args, "p_session_id")
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT event_type, COUNT(*)
		FROM analytics_events
		WHERE session_id = `+d.placeholder(1)+`
		GROUP BY event_type`, sessionID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	var interactions int64
	for rows.Next() {
		var eventType string
		var n int64
		if err := rows.Scan(&eventType, &n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		counts[eventType] = n
		if eventType != "page_view" {
			interactions += n
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var exitPage sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT page_url
		FROM analytics_events
		WHERE session_id = `+d.placeholder(1)+` AND event_type = 'page_view'
		ORDER BY created_at DESC
		LIMIT 1`, sessionID).Scan(&exitPage)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	isBounce := counts["page_view"] <= 1 && interactions == 0

	values := make([]any, 0, len(sessionCounters)+3)
	sets := make([]string, 0, len(sessionCounters)+2)
	n := 1
	for _, sc := range sessionCounters {
		sets = append(sets, sc.column+" = "+d.placeholder(n))
		values = append(values, counts[sc.eventType])
		n++
	}
	sets = append(sets, "is_bounce = "+d.placeholder(n))
	values = append(values, isBounce)
	n++
	sets = append(sets, "exit_page = "+d.placeholder(n))
	values = append(values, exitPage)
	n++
	values = append(values, sessionID)

	_, err = tx.ExecContext(ctx,
		"UPDATE analytics_sessions SET "+strings.Join(sets, ", ")+" WHERE id = "+d.placeholder(n),
		values...)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"page_views_count": counts["page_view"],
		"interactions":     interactions,
		"is_bounce":        isBounce,
		"exit_page":        exitPage.String,
	}, nil
}
