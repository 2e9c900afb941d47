// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Call records one operation issued against a MemoryStore.
type Call struct {
	Op    string
	Table string
	Row   Row
	Args  map[string]any
}

// MemoryProcedure implements a named RPC against a MemoryStore.
type MemoryProcedure func(ctx context.Context, s *MemoryStore, args map[string]any) (any, error)

// MemoryStore is an in-process Store. Tables must be created before use;
// operations on unknown tables fail with ErrStoreUnavailable, mirroring an
// unprovisioned backend.
type MemoryStore struct {
	mu      sync.Mutex
	tables  map[string][]Row
	keys    map[string]string // table -> unique column
	procs   map[string]MemoryProcedure
	failing map[string]error
	calls   []Call
}

// NewMemoryStore creates an empty store with the given tables provisioned.
func NewMemoryStore(tables ...string) *MemoryStore {
	s := &MemoryStore{
		tables:  make(map[string][]Row),
		keys:    make(map[string]string),
		procs:   make(map[string]MemoryProcedure),
		failing: make(map[string]error),
	}
	for _, t := range tables {
		s.tables[t] = nil
	}
	return s
}

// CreateTable provisions a table with an optional unique key column.
func (s *MemoryStore) CreateTable(table, uniqueColumn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table]; !ok {
		s.tables[table] = nil
	}
	if uniqueColumn != "" {
		s.keys[table] = uniqueColumn
	}
}

// DropTable removes a table so that later operations fail as unavailable.
func (s *MemoryStore) DropTable(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, table)
}

// Fail makes every operation on table (or procedure name) return err.
// A nil err clears the failure.
func (s *MemoryStore) Fail(table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failing, table)
		return
	}
	s.failing[table] = err
}

// RegisterProcedure installs a named RPC handler.
func (s *MemoryStore) RegisterProcedure(name string, p MemoryProcedure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[name] = p
}

// Calls returns a copy of the recorded operations.
func (s *MemoryStore) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor returns recorded operations matching op and table.
func (s *MemoryStore) CallsFor(op, table string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op && c.Table == table {
			out = append(out, c)
		}
	}
	return out
}

// Rows returns a copy of every row stored in table.
func (s *MemoryStore) Rows(table string) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Row, 0, len(s.tables[table]))
	for _, r := range s.tables[table] {
		out = append(out, cloneRow(r))
	}
	return out
}

// Seed appends rows to table without recording a call.
func (s *MemoryStore) Seed(table string, rows ...Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], cloneRow(r))
	}
}

// begin records the call and returns the injected or availability error.
// Caller must hold s.mu.
func (s *MemoryStore) begin(op, table string, row Row, args map[string]any) error {
	s.calls = append(s.calls, Call{Op: op, Table: table, Row: cloneRow(row), Args: args})
	if err, ok := s.failing[table]; ok {
		var e *Error
		if errors.As(err, &e) {
			return err
		}
		if k, ok := err.(Kind); ok {
			return &Error{Kind: k, Op: op, Table: table}
		}
		return &Error{Kind: ErrInternal, Op: op, Table: table, Err: err}
	}
	if op == "rpc" {
		return nil
	}
	if _, ok := s.tables[table]; !ok {
		return &Error{Kind: ErrStoreUnavailable, Op: op, Table: table, Err: fmt.Errorf("relation %q does not exist", table)}
	}
	return nil
}

// Select implements Store.
func (s *MemoryStore) Select(_ context.Context, q Query) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("select", q.Table, nil, nil); err != nil {
		return nil, err
	}

	var out []Row
	for _, r := range s.tables[q.Table] {
		if matchAll(r, q.Filters) {
			out = append(out, cloneRow(r))
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			less := compare(out[i][q.OrderBy], out[j][q.OrderBy]) < 0
			if q.Desc {
				return compare(out[i][q.OrderBy], out[j][q.OrderBy]) > 0
			}
			return less
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Insert implements Store. A duplicate on the table's unique column fails with ErrConflict.
func (s *MemoryStore) Insert(_ context.Context, table string, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("insert", table, row, nil); err != nil {
		return err
	}
	if key, ok := s.keys[table]; ok {
		if s.indexOf(table, key, row[key]) >= 0 {
			return &Error{Kind: ErrConflict, Op: "insert", Table: table}
		}
	}
	s.tables[table] = append(s.tables[table], cloneRow(row))
	return nil
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, table string, row Row, conflictColumn string, ignoreDuplicates bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("upsert", table, row, nil); err != nil {
		return err
	}
	if i := s.indexOf(table, conflictColumn, row[conflictColumn]); i >= 0 {
		if ignoreDuplicates {
			return nil
		}
		for k, v := range row {
			s.tables[table][i][k] = v
		}
		return nil
	}
	s.tables[table] = append(s.tables[table], cloneRow(row))
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, table string, patch Row, filters ...Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("update", table, patch, nil); err != nil {
		return err
	}
	for _, r := range s.tables[table] {
		if matchAll(r, filters) {
			for k, v := range patch {
				r[k] = v
			}
		}
	}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, table string, filters ...Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("delete", table, nil, nil); err != nil {
		return 0, err
	}
	kept := s.tables[table][:0]
	var n int64
	for _, r := range s.tables[table] {
		if matchAll(r, filters) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.tables[table] = kept
	return n, nil
}

// RPC implements Store. Unregistered procedures fail with ErrStoreUnavailable.
func (s *MemoryStore) RPC(ctx context.Context, name string, args map[string]any) (any, error) {
	s.mu.Lock()
	if err := s.begin("rpc", name, nil, args); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	proc, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return nil, &Error{Kind: ErrStoreUnavailable, Op: "rpc", Table: name, Err: errors.New("unknown procedure")}
	}
	return proc(ctx, s, args)
}

// indexOf finds the first row whose column equals value. Caller must hold s.mu.
func (s *MemoryStore) indexOf(table, column string, value any) int {
	if column == "" || value == nil {
		return -1
	}
	for i, r := range s.tables[table] {
		if compare(r[column], value) == 0 {
			return i
		}
	}
	return -1
}

func cloneRow(r Row) Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func matchAll(r Row, filters []Filter) bool {
	for _, f := range filters {
		v, ok := r[f.Column]
		if !ok || v == nil {
			return false
		}
		c := compare(v, f.Value)
		switch f.Op {
		case OpEq, "":
			if c != 0 {
				return false
			}
		case OpGte:
			if c < 0 {
				return false
			}
		case OpLte:
			if c > 0 {
				return false
			}
		case OpLt:
			if c >= 0 {
				return false
			}
		}
	}
	return true
}

// compare orders numbers numerically and everything else by string form.
func compare(a, b any) int {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
