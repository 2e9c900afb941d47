// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Dialect selects the SQL flavour spoken by the underlying database.
type Dialect string

// Supported dialects.
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// placeholder returns the bind parameter for the n-th argument (1-based).
func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Procedure implements a named RPC inside a transaction.
type Procedure func(ctx context.Context, tx *sql.Tx, d Dialect, args map[string]any) (any, error)

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	mu    sync.RWMutex
	procs map[string]Procedure
}

// NewSQLStore creates a store with the built-in analytics procedures registered.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		procs:   make(map[string]Procedure),
	}
	s.RegisterProcedure(ProcUpdatePagePerformance, updatePagePerformance)
	s.RegisterProcedure(ProcCalculateSessionMetrics, calculateSessionMetrics)
	return s
}

// RegisterProcedure adds or replaces a named procedure.
func (s *SQLStore) RegisterProcedure(name string, p Procedure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[name] = p
}

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// whereClause renders filters starting at bind index start.
func (s *SQLStore) whereClause(filters []Filter, start int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for i, f := range filters {
		if err := checkIdents(f.Column); err != nil {
			return "", nil, err
		}
		var op string
		switch f.Op {
		case OpEq, "":
			op = "="
		case OpGte:
			op = ">="
		case OpLte:
			op = "<="
		case OpLt:
			op = "<"
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
		parts = append(parts, f.Column+" "+op+" "+s.dialect.placeholder(start+i))
		args = append(args, bindValue(f.Value))
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// Select runs a filtered, ordered query.
func (s *SQLStore) Select(ctx context.Context, q Query) ([]Row, error) {
	if err := checkIdents(q.Table); err != nil {
		return nil, &Error{Kind: ErrInternal, Op: "select", Table: q.Table, Err: err}
	}

	where, args, err := s.whereClause(q.Filters, 1)
	if err != nil {
		return nil, &Error{Kind: ErrInternal, Op: "select", Table: q.Table, Err: err}
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(q.Table)
	sb.WriteString(where)
	if q.OrderBy != "" {
		if err := checkIdents(q.OrderBy); err != nil {
			return nil, &Error{Kind: ErrInternal, Op: "select", Table: q.Table, Err: err}
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(q.OrderBy)
		if q.Desc {
			sb.WriteString(" DESC")
		}
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(q.Limit))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrap("select", q.Table, err)
	}
	defer func() { _ = rows.Close() }()

	out, err := scanRows(rows)
	if err != nil {
		return nil, wrap("select", q.Table, err)
	}
	return out, nil
}

// sortedColumns returns row keys in a stable order.
func sortedColumns(row Row) ([]string, error) {
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols, checkIdents(cols...)
}

func (s *SQLStore) insertSQL(table string, row Row) (string, []string, []any, error) {
	if err := checkIdents(table); err != nil {
		return "", nil, nil, err
	}
	if len(row) == 0 {
		return "", nil, nil, errors.New("empty row")
	}
	cols, err := sortedColumns(row)
	if err != nil {
		return "", nil, nil, err
	}
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		marks[i] = s.dialect.placeholder(i + 1)
		args[i] = bindValue(row[c])
	}
	query := "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
	return query, cols, args, nil
}

// Insert adds a row.
func (s *SQLStore) Insert(ctx context.Context, table string, row Row) error {
	query, _, args, err := s.insertSQL(table, row)
	if err != nil {
		return &Error{Kind: ErrInternal, Op: "insert", Table: table, Err: err}
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return wrap("insert", table, err)
}

// Upsert inserts a row and resolves conflicts on conflictColumn.
// MySQL has no ON CONFLICT DO NOTHING, so ignored duplicates there become a
// plain insert whose conflict error is swallowed.
func (s *SQLStore) Upsert(ctx context.Context, table string, row Row, conflictColumn string, ignoreDuplicates bool) error {
	query, cols, args, err := s.insertSQL(table, row)
	if err == nil {
		err = checkIdents(conflictColumn)
	}
	if err != nil {
		return &Error{Kind: ErrInternal, Op: "upsert", Table: table, Err: err}
	}

	if s.dialect == DialectMySQL {
		if ignoreDuplicates {
			_, err = s.db.ExecContext(ctx, query, args...)
			if err != nil && classify(err) == ErrConflict {
				return nil
			}
			return wrap("upsert", table, err)
		}
		sets := make([]string, 0, len(cols))
		for _, c := range cols {
			if c != conflictColumn {
				sets = append(sets, c+" = VALUES("+c+")")
			}
		}
		if len(sets) == 0 {
			sets = append(sets, conflictColumn+" = "+conflictColumn)
		}
		query += " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
		_, err = s.db.ExecContext(ctx, query, args...)
		return wrap("upsert", table, err)
	}

	query += " ON CONFLICT (" + conflictColumn + ")"
	if ignoreDuplicates {
		query += " DO NOTHING"
	} else {
		sets := make([]string, 0, len(cols))
		for _, c := range cols {
			if c != conflictColumn {
				sets = append(sets, c+" = excluded."+c)
			}
		}
		if len(sets) == 0 {
			query += " DO NOTHING"
		} else {
			query += " DO UPDATE SET " + strings.Join(sets, ", ")
		}
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return wrap("upsert", table, err)
}

// Update patches every row matching filters. At least one filter is required.
func (s *SQLStore) Update(ctx context.Context, table string, patch Row, filters ...Filter) error {
	if err := checkIdents(table); err != nil {
		return &Error{Kind: ErrInternal, Op: "update", Table: table, Err: err}
	}
	if len(patch) == 0 || len(filters) == 0 {
		return &Error{Kind: ErrInternal, Op: "update", Table: table, Err: errors.New("empty patch or missing filter")}
	}
	cols, err := sortedColumns(patch)
	if err != nil {
		return &Error{Kind: ErrInternal, Op: "update", Table: table, Err: err}
	}

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(filters))
	for i, c := range cols {
		sets[i] = c + " = " + s.dialect.placeholder(i+1)
		args = append(args, bindValue(patch[c]))
	}
	where, whereArgs, err := s.whereClause(filters, len(cols)+1)
	if err != nil {
		return &Error{Kind: ErrInternal, Op: "update", Table: table, Err: err}
	}
	args = append(args, whereArgs...)

	_, err = s.db.ExecContext(ctx, "UPDATE "+table+" SET "+strings.Join(sets, ", ")+where, args...)
	return wrap("update", table, err)
}

// Delete removes rows matching filters and returns the count. At least one filter is required.
func (s *SQLStore) Delete(ctx context.Context, table string, filters ...Filter) (int64, error) {
	if err := checkIdents(table); err != nil {
		return 0, &Error{Kind: ErrInternal, Op: "delete", Table: table, Err: err}
	}
	if len(filters) == 0 {
		return 0, &Error{Kind: ErrInternal, Op: "delete", Table: table, Err: errors.New("missing filter")}
	}
	where, args, err := s.whereClause(filters, 1)
	if err != nil {
		return 0, &Error{Kind: ErrInternal, Op: "delete", Table: table, Err: err}
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+where, args...)
	if err != nil {
		return 0, wrap("delete", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RPC runs a registered procedure in its own transaction.
func (s *SQLStore) RPC(ctx context.Context, name string, args map[string]any) (any, error) {
	s.mu.RLock()
	proc, ok := s.procs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: ErrStoreUnavailable, Op: "rpc", Table: name, Err: errors.New("unknown procedure")}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("rpc", name, err)
	}
	result, err := proc(ctx, tx, s.dialect, args)
	if err != nil {
		_ = tx.Rollback()
		return nil, wrap("rpc", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("rpc", name, err)
	}
	return result, nil
}

// bindValue converts composite values into JSON text for storage.
func bindValue(v any) any {
	switch val := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, []byte, time.Time:
		return val
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// scanRows reads every row into a Row keyed by column name.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(values[i], strings.ToUpper(types[i].DatabaseTypeName()))
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalize turns driver values into plain JSON-friendly Go values.
func normalize(v any, dbType string) any {
	switch val := v.(type) {
	case []byte:
		s := string(val)
		switch {
		case strings.Contains(dbType, "INT"):
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
		case strings.Contains(dbType, "DECIMAL"), strings.Contains(dbType, "NUMERIC"),
			strings.Contains(dbType, "FLOAT"), strings.Contains(dbType, "DOUBLE"),
			strings.Contains(dbType, "REAL"):
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
		return s
	case int64:
		if strings.Contains(dbType, "BOOL") {
			return val != 0
		}
		return val
	case time.Time:
		if dbType == "DATE" {
			return val.Format("2006-01-02")
		}
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return val
	}
}
