// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package sqliteutil contains helpers specific to sqlite3.
package sqliteutil

import (
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
)

// IsBusy checks whether the error means the database or a row is locked by
// another connection.
func IsBusy(err error) bool {
	return errs.IsFunc(err, func(err error) bool {
		if serr, ok := err.(sqlite3.Error); ok {
			return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
		}
		return false
	})
}

// IsConstraintViolation checks whether the error is a constraint violation.
func IsConstraintViolation(err error) bool {
	return errs.IsFunc(err, func(err error) bool {
		if serr, ok := err.(sqlite3.Error); ok {
			return serr.Code == sqlite3.ErrConstraint
		}
		return false
	})
}

// IsUniqueViolation checks whether the error is a unique or primary key
// constraint violation.
func IsUniqueViolation(err error) bool {
	return errs.IsFunc(err, func(err error) bool {
		if serr, ok := err.(sqlite3.Error); ok {
			return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
		}
		return false
	})
}
