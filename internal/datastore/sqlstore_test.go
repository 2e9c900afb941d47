// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package datastore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/datastore"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/testutil"
)

func seedSession(t *testing.T, s datastore.Store, id string) {
	t.Helper()
	err := s.Insert(context.Background(), "analytics_sessions", datastore.Row{
		"id":            id,
		"session_start": "2026-03-01T10:00:00.000Z",
		"created_at":    "2026-03-01T10:00:00.000Z",
	})
	require.NoError(t, err)
}

func seedEvent(t *testing.T, s datastore.Store, id, sessionID, eventType, page, at string) {
	t.Helper()
	err := s.Upsert(context.Background(), "analytics_events", datastore.Row{
		"id":         id,
		"session_id": sessionID,
		"event_type": eventType,
		"page_url":   page,
		"metadata":   map[string]any{"k": "v"},
		"created_at": at,
	}, "id", true)
	require.NoError(t, err)
}

func TestSQLStoreInsertSelect(t *testing.T) {
	s := testutil.TestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1")

	rows, err := s.Select(ctx, datastore.Query{
		Table:   "analytics_sessions",
		Filters: []datastore.Filter{datastore.Eq("id", "s1")},
		Limit:   1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "s1", rows[0]["id"])
	assert.Equal(t, true, rows[0]["is_bounce"], "BOOLEAN default decodes as bool")
	assert.Equal(t, int64(0), rows[0]["page_views_count"])
	assert.Nil(t, rows[0]["user_id"])

	err = s.Insert(ctx, "analytics_sessions", datastore.Row{
		"id": "s1", "session_start": "x", "created_at": "x",
	})
	assert.True(t, errors.Is(err, datastore.ErrConflict), "duplicate primary key: %v", err)
}

func TestSQLStoreMissingTable(t *testing.T) {
	s := testutil.TestStore(t)
	_, err := s.Select(context.Background(), datastore.Query{Table: "analytics_missing"})
	assert.True(t, errors.Is(err, datastore.ErrStoreUnavailable), "err = %v", err)

	_, err = s.RPC(context.Background(), "no_such_procedure", nil)
	assert.True(t, errors.Is(err, datastore.ErrStoreUnavailable), "err = %v", err)
}

func TestSQLStoreRejectsBadIdentifiers(t *testing.T) {
	s := testutil.TestStore(t)
	_, err := s.Select(context.Background(), datastore.Query{Table: "analytics_events; DROP TABLE x"})
	assert.Equal(t, datastore.ErrInternal, datastore.KindOf(err))

	err = s.Update(context.Background(), "analytics_sessions", datastore.Row{"session_end": "x"})
	assert.Error(t, err, "update without filters must be refused")
}

func TestSQLStoreUpsertIgnoreDuplicates(t *testing.T) {
	s := testutil.TestStore(t)
	ctx := context.Background()
	seedEvent(t, s, "e1", "s1", "click", "/a", "2026-03-01T10:00:01.000Z")
	seedEvent(t, s, "e1", "s1", "click", "/changed", "2026-03-01T10:00:02.000Z")

	rows, err := s.Select(ctx, datastore.Query{Table: "analytics_events"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "/a", rows[0]["page_url"])
	assert.JSONEq(t, `{"k":"v"}`, rows[0]["metadata"].(string))
}

func TestSQLStoreUpdateAndDelete(t *testing.T) {
	s := testutil.TestStore(t)
	ctx := context.Background()
	seedEvent(t, s, "old", "s1", "click", "/a", "2026-01-01T00:00:00.000Z")
	seedEvent(t, s, "new", "s1", "click", "/a", "2026-03-01T00:00:00.000Z")
	seedSession(t, s, "s1")

	require.NoError(t, s.Update(ctx, "analytics_sessions",
		datastore.Row{"session_end": "2026-03-01T11:00:00.000Z", "duration_seconds": 3600},
		datastore.Eq("id", "s1")))
	rows, err := s.Select(ctx, datastore.Query{Table: "analytics_sessions"})
	require.NoError(t, err)
	assert.Equal(t, int64(3600), rows[0]["duration_seconds"])

	n, err := s.Delete(ctx, "analytics_events", datastore.Lt("created_at", "2026-02-01T00:00:00.000Z"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpdatePagePerformanceProcedure(t *testing.T) {
	s := testutil.TestStore(t)
	ctx := context.Background()

	for _, secs := range []float64{10, 20} {
		_, err := s.RPC(ctx, datastore.ProcUpdatePagePerformance, map[string]any{
			"p_page_url":     "/podcasts/1",
			"p_date":         "2026-03-01",
			"p_time_on_page": secs,
		})
		require.NoError(t, err)
	}

	rows, err := s.Select(ctx, datastore.Query{
		Table:   "analytics_page_performance",
		Filters: []datastore.Filter{datastore.Eq("page_url", "/podcasts/1")},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0]["page_views"])
	assert.Equal(t, 30.0, rows[0]["total_time_on_page"])
	assert.Equal(t, 15.0, rows[0]["avg_time_on_page"])
	assert.Equal(t, "2026-03-01", rows[0]["date"])

	_, err = s.RPC(ctx, datastore.ProcUpdatePagePerformance, map[string]any{"p_date": "2026-03-01"})
	assert.Error(t, err, "missing page url must fail")
}

func TestCalculateSessionMetricsProcedure(t *testing.T) {
	tests := []struct {
		name       string
		events     [][3]string // id, type, page
		wantBounce bool
		wantExit   string
		wantViews  int64
	}{
		{
			name:       "single page view bounces",
			events:     [][3]string{{"e1", "page_view", "/a"}},
			wantBounce: true,
			wantExit:   "/a",
			wantViews:  1,
		},
		{
			name:       "interaction prevents bounce",
			events:     [][3]string{{"e1", "page_view", "/a"}, {"e2", "click", "/a"}},
			wantBounce: false,
			wantExit:   "/a",
			wantViews:  1,
		},
		{
			name:       "multiple pages",
			events:     [][3]string{{"e1", "page_view", "/a"}, {"e2", "page_view", "/b"}},
			wantBounce: false,
			wantExit:   "/b",
			wantViews:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testutil.TestStore(t)
			ctx := context.Background()
			seedSession(t, s, "s1")
			for i, ev := range tt.events {
				at := "2026-03-01T10:00:0" + string(rune('1'+i)) + ".000Z"
				seedEvent(t, s, ev[0], "s1", ev[1], ev[2], at)
			}

			_, err := s.RPC(ctx, datastore.ProcCalculateSessionMetrics, map[string]any{"p_session_id": "s1"})
			require.NoError(t, err)

			rows, err := s.Select(ctx, datastore.Query{
				Table:   "analytics_sessions",
				Filters: []datastore.Filter{datastore.Eq("id", "s1")},
			})
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, tt.wantBounce, rows[0]["is_bounce"])
			assert.Equal(t, tt.wantExit, rows[0]["exit_page"])
			assert.Equal(t, tt.wantViews, rows[0]["page_views_count"])
		})
	}
}

func TestMemoryDBMigrations(t *testing.T) {
	db := testutil.TestMemoryDB(t)
	s := datastore.NewSQLStore(db, datastore.DialectSQLite)
	seedSession(t, s, "s-mem")

	rows, err := s.Select(context.Background(), datastore.Query{Table: "analytics_sessions"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
