// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package tagsql implements a tagged wrapper for databases.
//
// This wraps the database/sql handles such that every call requires
// a context and can be traced per call-site.
package tagsql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"time"

	"github.com/zeebo/errs"
)

// Open opens *sql.DB and wraps the implementation.
func Open(ctx context.Context, driverName, dataSourceName string) (DB, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	err = db.PingContext(ctx)
	if err != nil {
		return nil, errs.Combine(err, db.Close())
	}
	return Wrap(db), nil
}

// Wrap turns a *sql.DB into a DB-matching interface.
func Wrap(db *sql.DB) DB {
	return &sqlDB{db: db}
}

// DB implements a wrapper for *sql.DB-like database.
//
// The wrapper adds a required context to every call.
type DB interface {
	BeginTx(ctx context.Context, txOptions *sql.TxOptions) (Tx, error)
	Close() error
	Conn(ctx context.Context) (*sql.Conn, error)
	Driver() driver.Driver
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	PingContext(ctx context.Context) error
	QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	SetConnMaxLifetime(d time.Duration)
	SetMaxIdleConns(n int)
	SetMaxOpenConns(n int)
	Stats() sql.DBStats
	Internal() *sql.DB
}

// Rows implements a wrapper for *sql.Rows.
type Rows = *sql.Rows

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) Internal() *sql.DB { return s.db }

func (s *sqlDB) BeginTx(ctx context.Context, txOptions *sql.TxOptions) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, txOptions)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

func (s *sqlDB) Conn(ctx context.Context) (*sql.Conn, error) { return s.db.Conn(ctx) }

func (s *sqlDB) Driver() driver.Driver { return s.db.Driver() }

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) SetConnMaxLifetime(d time.Duration) { s.db.SetConnMaxLifetime(d) }

func (s *sqlDB) SetMaxIdleConns(n int) { s.db.SetMaxIdleConns(n) }

func (s *sqlDB) SetMaxOpenConns(n int) { s.db.SetMaxOpenConns(n) }

func (s *sqlDB) Stats() sql.DBStats { return s.db.Stats() }
