// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package dbutil contains helpers for working with the supported databases.
package dbutil

import (
	"strings"

	"github.com/zeebo/errs"
)

// Error is the default error class for dbutil.
var Error = errs.Class("dbutil")

// Implementation type of valid databases.
type Implementation int

const (
	// Unknown is an unknown database type.
	Unknown Implementation = iota
	// Postgres is a PostgreSQL database.
	Postgres
	// Cockroach is a CockroachDB database.
	Cockroach
	// SQLite3 is a sqlite3 database.
	SQLite3
)

// String returns the name of the implementation.
func (impl Implementation) String() string {
	switch impl {
	case Postgres:
		return "postgres"
	case Cockroach:
		return "cockroach"
	case SQLite3:
		return "sqlite3"
	default:
		return "unknown"
	}
}

// SplitConnStr returns the driver name, the driver-specific data source and
// the implementation indicated by the given database URL.
func SplitConnStr(s string) (driver string, source string, impl Implementation, err error) {
	switch {
	case strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://"):
		return "postgres", s, Postgres, nil
	case strings.HasPrefix(s, "cockroach://"):
		return "postgres", "postgres://" + strings.TrimPrefix(s, "cockroach://"), Cockroach, nil
	case strings.HasPrefix(s, "sqlite3://"):
		return "sqlite3", strings.TrimPrefix(s, "sqlite3://"), SQLite3, nil
	case strings.HasPrefix(s, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(s, "sqlite://"), SQLite3, nil
	}
	return "", "", Unknown, Error.New("unsupported database url %q", s)
}
