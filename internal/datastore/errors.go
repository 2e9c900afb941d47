// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package datastore

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Kind classifies a store failure.
type Kind string

func (k Kind) Error() string {
	return string(k)
}

const (
	// ErrStoreUnavailable means the table or procedure is missing or access was denied.
	ErrStoreUnavailable Kind = "store unavailable"

	// ErrConflict means a row with the same unique key already exists.
	ErrConflict Kind = "conflict"

	// ErrNetwork means the store could not be reached or timed out.
	ErrNetwork Kind = "network error"

	// ErrInternal covers every other failure.
	ErrInternal Kind = "internal error"
)

// Error is returned by Store implementations.
type Error struct {
	Kind  Kind
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	msg := "datastore: " + e.Op
	if e.Table != "" {
		msg += " " + e.Table
	}
	msg += ": " + string(e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches both the Kind sentinel and the wrapped error.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the failure kind of err, or "" when err is nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

func wrap(op, table string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: classify(err), Op: op, Table: table, Err: err}
}

// classify maps a driver error to a failure kind.
func classify(err error) Kind {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42P01", "42883", "42501", "3F000":
			// undefined_table, undefined_function, insufficient_privilege, invalid_schema_name
			return ErrStoreUnavailable
		case "23505":
			return ErrConflict
		}
		if pqErr.Code.Class() == "08" {
			return ErrNetwork
		}
		return ErrInternal
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1146, 1142, 1305, 1049:
			// no such table, command denied, no such procedure, unknown database
			return ErrStoreUnavailable
		case 1062:
			return ErrConflict
		}
		return ErrInternal
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) {
		return ErrNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrNetwork
	}

	// modernc.org/sqlite and mattn/go-sqlite3 only expose message text reliably.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such function"),
		strings.Contains(msg, "unknown procedure"):
		return ErrStoreUnavailable
	case strings.Contains(msg, "unique constraint"), strings.Contains(msg, "constraint failed: unique"),
		strings.Contains(msg, "primary key"):
		return ErrConflict
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "connection refused"):
		return ErrNetwork
	}
	return ErrInternal
}
