// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package pgutil contains helpers specific to PostgreSQL and CockroachDB.
package pgutil

import (
	"github.com/lib/pq"
	"github.com/zeebo/errs"
)

// ErrorCode returns the error code associated with any postgres error in the
// chain of errors walked by unwrapping, or empty when there is none.
func ErrorCode(err error) (code string) {
	errs.IsFunc(err, func(err error) bool {
		if pgerr, ok := err.(*pq.Error); ok {
			code = string(pgerr.Code)
			return true
		}
		return false
	})
	return code
}

// IsConstraintViolation checks whether the error is a constraint violation
// (unique, foreign key, check; class 23).
func IsConstraintViolation(err error) bool {
	return errs.IsFunc(err, func(err error) bool {
		if pgerr, ok := err.(*pq.Error); ok {
			return pgerr.Code.Class() == "23"
		}
		return false
	})
}

// IsUniqueViolation checks whether the error is a unique constraint
// violation (23505).
func IsUniqueViolation(err error) bool {
	return ErrorCode(err) == "23505"
}

// IsLockNotAvailable checks whether a FOR UPDATE NOWAIT acquisition failed
// because the row is locked by another transaction (55P03).
func IsLockNotAvailable(err error) bool {
	return ErrorCode(err) == "55P03"
}

// IsSerializationFailure checks whether the transaction should be retried
// because of a serialization failure or a cockroach retryable error.
func IsSerializationFailure(err error) bool {
	switch ErrorCode(err) {
	case "40001", "40P01", "CR000":
		return true
	}
	return false
}
