// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package datastore defines the hosted data/RPC service the analytics
// collector talks to. The service is reached only through a fixed set of
// named operations (select, insert, upsert, update, delete, rpc) and any of
// its tables may be missing at runtime.
package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
)

// Row is a single record exchanged with the store.
type Row map[string]any

// Op is a comparison operator for a filter.
type Op string

// Supported filter operators.
const (
	OpEq  Op = "eq"
	OpGte Op = "gte"
	OpLte Op = "lte"
	OpLt  Op = "lt"
)

// Filter narrows a select, update or delete.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Eq returns an equality filter.
func Eq(column string, value any) Filter { return Filter{Column: column, Op: OpEq, Value: value} }

// Gte returns a ">=" filter.
func Gte(column string, value any) Filter { return Filter{Column: column, Op: OpGte, Value: value} }

// Lte returns a "<=" filter.
func Lte(column string, value any) Filter { return Filter{Column: column, Op: OpLte, Value: value} }

// Lt returns a "<" filter.
func Lt(column string, value any) Filter { return Filter{Column: column, Op: OpLt, Value: value} }

// Query describes a select against one table.
type Query struct {
	Table   string
	Filters []Filter
	// OrderBy sorts by a single column; Desc flips the direction.
	OrderBy string
	Desc    bool
	// Limit caps the number of rows (0 = no limit).
	Limit int
}

// Store is the capability contract of the backing data service.
type Store interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) error
	// Upsert inserts row, resolving a conflict on conflictColumn either by
	// ignoring the new row (ignoreDuplicates) or by overwriting the old one.
	Upsert(ctx context.Context, table string, row Row, conflictColumn string, ignoreDuplicates bool) error
	Update(ctx context.Context, table string, patch Row, filters ...Filter) error
	Delete(ctx context.Context, table string, filters ...Filter) (int64, error)
	RPC(ctx context.Context, name string, args map[string]any) (any, error)
}

// Procedure names exposed by the store.
const (
	ProcUpdatePagePerformance   = "update_analytics_page_performance"
	ProcCalculateSessionMetrics = "calculate_session_metrics"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// validIdent reports whether s is safe to splice into SQL as a table or column.
func validIdent(s string) bool {
	return identRe.MatchString(s)
}

func checkIdents(idents ...string) error {
	for _, id := range idents {
		if !validIdent(id) {
			return fmt.Errorf("invalid identifier %q", id)
		}
	}
	return nil
}

// RowOf converts a tagged struct into a Row using its json tags.
func RowOf(v any) (Row, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding row: %w", err)
	}
	var row Row
	if err := json.Unmarshal(b, &row); err != nil {
		return nil, fmt.Errorf("decoding row: %w", err)
	}
	return row, nil
}

// Decode converts rows into a slice of tagged structs.
func Decode(rows []Row, dst any) error {
	b, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encoding rows: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decoding rows: %w", err)
	}
	return nil
}
