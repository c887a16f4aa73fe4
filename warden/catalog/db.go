// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package catalog implements the transactional store of record for the
// replication control plane: data identifiers and their containment graph,
// storage elements and their attributes, replicas, locks, rules, transfer
// requests, subscriptions, counters and outbound messages.
package catalog

import (
	"context"
	"database/sql"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/OneOfOne/xxhash"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/drovelabs/drove/private/dbutil"
	"github.com/drovelabs/drove/private/dbutil/pgutil"
	"github.com/drovelabs/drove/private/dbutil/sqliteutil"
	"github.com/drovelabs/drove/private/dbutil/txutil"
	"github.com/drovelabs/drove/private/migrate"
	"github.com/drovelabs/drove/private/tagsql"
)

// Config is the catalog database configuration.
type Config struct {
	URL          string `help:"database url for the catalog" default:"sqlite3://$CONFDIR/catalog.db" testDefault:"sqlite3://$CONFDIR/catalog.db"`
	MaxOpenConns int    `help:"maximum number of open database connections" default:"25"`
	MaxIdleConns int    `help:"maximum number of idle database connections" default:"5"`
}

// queryer is the query surface shared by tagsql.DB and tagsql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (tagsql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ops holds the query methods shared between DB and Tx. Single statement
// operations are defined on ops and are usable both inside and outside a
// transaction; multi-statement operations are defined on *Tx only.
type ops struct {
	q    queryer
	impl dbutil.Implementation
	now  func() time.Time
}

// DB is an open catalog database.
type DB struct {
	ops

	log *zap.Logger
	db  tagsql.DB
}

// Tx is an open catalog transaction.
type Tx struct {
	ops
}

// Open connects to the catalog database at the given URL. Supported schemes
// are sqlite3:// and postgres:// (and cockroach://).
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	driver, source, impl, err := dbutil.SplitConnStr(config.URL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if impl == dbutil.SQLite3 {
		source = sqliteSource(source)
	}

	db, err := tagsql.Open(ctx, driver, source)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if impl == dbutil.SQLite3 {
		// file-backed sqlite misbehaves with concurrent writers on
		// separate connections; serialize on a single one.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}

	return &DB{
		ops: ops{q: db, impl: impl, now: time.Now},
		log: log,
		db:  db,
	}, nil
}

func sqliteSource(source string) string {
	if strings.Contains(source, "?") {
		return source + "&_busy_timeout=10000&_foreign_keys=on"
	}
	return source + "?_busy_timeout=10000&_foreign_keys=on"
}

// Close releases the underlying database resources.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Implementation returns the database implementation in use.
func (db *DB) Implementation() dbutil.Implementation { return db.impl }

// TestingSetNow replaces the time source used for created_at/updated_at and
// tombstones.
func (db *DB) TestingSetNow(now func() time.Time) { db.ops.now = now }

// WithTx runs fn inside a transaction, retrying serialization failures. Any
// side effect of fn outside the database must be idempotent.
func (db *DB) WithTx(ctx context.Context, fn func(context.Context, *Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)
	return txutil.WithTx(ctx, db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		return fn(ctx, &Tx{ops: ops{q: tx, impl: db.impl, now: db.ops.now}})
	})
}

// MigrateToLatest brings the schema up to the current version.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(db.migration().Run(ctx, db.log.Named("migrate")))
}

// rebind converts ? placeholders into the $n form the postgres wire protocol
// requires. sqlite takes ? directly.
func (o ops) rebind(query string) string {
	switch o.impl {
	case dbutil.Postgres, dbutil.Cockroach:
	default:
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 10)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// forUpdate returns the row locking suffix for SELECT statements. sqlite has
// a single writer, so the bare statement is already serialized.
func (o ops) forUpdate(nowait bool) string {
	switch o.impl {
	case dbutil.Postgres, dbutil.Cockroach:
		if nowait {
			return " FOR UPDATE NOWAIT"
		}
		return " FOR UPDATE"
	}
	return ""
}

// skipLocked returns the queue claiming suffix for SELECT statements.
func (o ops) skipLocked() string {
	switch o.impl {
	case dbutil.Postgres, dbutil.Cockroach:
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// withContention normalizes backend specific lock acquisition failures into
// ErrLockContention so that callers can defer the unit of work.
func (o ops) withContention(err error) error {
	if err == nil {
		return nil
	}
	if pgutil.IsLockNotAvailable(err) || sqliteutil.IsBusy(err) {
		return ErrLockContention.Wrap(err)
	}
	return err
}

// isUniqueViolation reports whether the error is a unique or primary key
// constraint violation on any supported backend.
func (o ops) isUniqueViolation(err error) bool {
	return pgutil.IsUniqueViolation(err) || sqliteutil.IsUniqueViolation(err)
}

// ShardHash computes the stable non-negative hash used to partition rows
// across daemon workers.
func ShardHash(key string) int64 {
	return int64(xxhash.ChecksumString64(key) & math.MaxInt64)
}

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.FromString(s)
	if err != nil {
		return uuid.UUID{}, Error.New("malformed stored id %q: %w", s, err)
	}
	return id, nil
}

func parseNullUUID(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid {
		return nil, nil
	}
	id, err := parseUUID(s.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func uuidOrNull(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func (db *DB) migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "catalog_versions",
		Steps: []*migrate.Step{
			{
				DB:          db.db,
				Description: "initial schema",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE scopes (
						scope TEXT NOT NULL PRIMARY KEY,
						account TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE dids (
						scope TEXT NOT NULL,
						name TEXT NOT NULL,
						did_type TEXT NOT NULL,
						account TEXT NOT NULL,
						is_open BOOLEAN NOT NULL DEFAULT TRUE,
						monotonic BOOLEAN NOT NULL DEFAULT FALSE,
						is_new BOOLEAN NOT NULL DEFAULT TRUE,
						bytes BIGINT NOT NULL DEFAULT 0,
						adler32 TEXT NOT NULL DEFAULT '',
						md5 TEXT NOT NULL DEFAULT '',
						metadata TEXT NOT NULL DEFAULT '{}',
						shard_hash BIGINT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL,
						PRIMARY KEY ( scope, name )
					)`,
					`CREATE INDEX dids_new_index ON dids ( created_at ) WHERE is_new`,
					`CREATE TABLE contents (
						scope TEXT NOT NULL,
						name TEXT NOT NULL,
						child_scope TEXT NOT NULL,
						child_name TEXT NOT NULL,
						child_type TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						PRIMARY KEY ( scope, name, child_scope, child_name )
					)`,
					`CREATE INDEX contents_child_index ON contents ( child_scope, child_name )`,
					`CREATE TABLE rses (
						id TEXT NOT NULL PRIMARY KEY,
						name TEXT NOT NULL UNIQUE,
						deterministic BOOLEAN NOT NULL DEFAULT TRUE,
						volatile BOOLEAN NOT NULL DEFAULT FALSE,
						availability INTEGER NOT NULL DEFAULT 7,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE rse_attributes (
						rse_id TEXT NOT NULL,
						key TEXT NOT NULL,
						value TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL,
						PRIMARY KEY ( rse_id, key )
					)`,
					`CREATE INDEX rse_attributes_key_index ON rse_attributes ( key )`,
					`CREATE TABLE rse_attribute_generation (
						id INTEGER NOT NULL PRIMARY KEY CHECK ( id = 1 ),
						generation BIGINT NOT NULL
					)`,
					`INSERT INTO rse_attribute_generation ( id, generation ) VALUES ( 1, 0 )`,
					`CREATE TABLE rse_protocols (
						rse_id TEXT NOT NULL,
						scheme TEXT NOT NULL,
						hostname TEXT NOT NULL,
						port INTEGER NOT NULL,
						prefix TEXT NOT NULL,
						impl TEXT NOT NULL DEFAULT '',
						read_priority INTEGER NOT NULL DEFAULT 0,
						write_priority INTEGER NOT NULL DEFAULT 0,
						delete_priority INTEGER NOT NULL DEFAULT 0,
						extended TEXT NOT NULL DEFAULT '{}',
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL,
						PRIMARY KEY ( rse_id, scheme )
					)`,
					`CREATE TABLE rse_usage (
						rse_id TEXT NOT NULL PRIMARY KEY,
						used BIGINT NOT NULL DEFAULT 0,
						free BIGINT NOT NULL DEFAULT 0,
						updated_at TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE account_limits (
						account TEXT NOT NULL,
						rse_id TEXT NOT NULL,
						bytes BIGINT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL,
						PRIMARY KEY ( account, rse_id )
					)`,
					`CREATE TABLE replicas (
						rse_id TEXT NOT NULL,
						scope TEXT NOT NULL,
						name TEXT NOT NULL,
						state TEXT NOT NULL,
						bytes BIGINT NOT NULL DEFAULT 0,
						adler32 TEXT NOT NULL DEFAULT '',
						md5 TEXT NOT NULL DEFAULT '',
						path TEXT,
						tombstone TIMESTAMP,
						lock_cnt INTEGER NOT NULL DEFAULT 0,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL,
						PRIMARY KEY ( rse_id, scope, name )
					)`,
					`CREATE INDEX replicas_did_index ON replicas ( scope, name )`,
					`CREATE INDEX replicas_state_index ON replicas ( rse_id, state )`,
					`CREATE INDEX replicas_tombstone_index ON replicas ( tombstone ) WHERE tombstone IS NOT NULL`,
					`CREATE TABLE locks (
						rule_id TEXT NOT NULL,
						rse_id TEXT NOT NULL,
						scope TEXT NOT NULL,
						name TEXT NOT NULL,
						state TEXT NOT NULL,
						bytes BIGINT NOT NULL DEFAULT 0,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL,
						PRIMARY KEY ( rule_id, rse_id, scope, name )
					)`,
					`CREATE INDEX locks_replica_index ON locks ( scope, name, rse_id )`,
					`CREATE TABLE dataset_locks (
						rule_id TEXT NOT NULL,
						rse_id TEXT NOT NULL,
						scope TEXT NOT NULL,
						name TEXT NOT NULL,
						state TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL,
						PRIMARY KEY ( rule_id, rse_id, scope, name )
					)`,
					`CREATE INDEX dataset_locks_did_index ON dataset_locks ( scope, name )`,
					`CREATE TABLE rules (
						id TEXT NOT NULL PRIMARY KEY,
						subscription_id TEXT,
						account TEXT NOT NULL,
						scope TEXT NOT NULL,
						name TEXT NOT NULL,
						did_type TEXT NOT NULL,
						state TEXT NOT NULL,
						rse_expression TEXT NOT NULL,
						copies INTEGER NOT NULL,
						grouping TEXT NOT NULL,
						weight TEXT,
						locked BOOLEAN NOT NULL DEFAULT FALSE,
						locks_ok_cnt INTEGER NOT NULL DEFAULT 0,
						locks_replicating_cnt INTEGER NOT NULL DEFAULT 0,
						locks_stuck_cnt INTEGER NOT NULL DEFAULT 0,
						expires_at TIMESTAMP,
						error TEXT,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL
					)`,
					`CREATE INDEX rules_did_index ON rules ( scope, name )`,
					`CREATE INDEX rules_expires_index ON rules ( expires_at ) WHERE expires_at IS NOT NULL AND NOT locked`,
					`CREATE TABLE rules_history (
						id TEXT NOT NULL PRIMARY KEY,
						subscription_id TEXT,
						account TEXT NOT NULL,
						scope TEXT NOT NULL,
						name TEXT NOT NULL,
						did_type TEXT NOT NULL,
						state TEXT NOT NULL,
						rse_expression TEXT NOT NULL,
						copies INTEGER NOT NULL,
						grouping TEXT NOT NULL,
						weight TEXT,
						locked BOOLEAN NOT NULL,
						locks_ok_cnt INTEGER NOT NULL,
						locks_replicating_cnt INTEGER NOT NULL,
						locks_stuck_cnt INTEGER NOT NULL,
						expires_at TIMESTAMP,
						error TEXT,
						created_at TIMESTAMP NOT NULL,
						deleted_at TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE requests (
						id TEXT NOT NULL PRIMARY KEY,
						request_type TEXT NOT NULL,
						state TEXT NOT NULL,
						scope TEXT NOT NULL,
						name TEXT NOT NULL,
						dest_rse_id TEXT NOT NULL,
						src_rse_id TEXT,
						rule_id TEXT NOT NULL,
						attempt_id TEXT,
						activity TEXT NOT NULL DEFAULT 'default',
						bytes BIGINT NOT NULL DEFAULT 0,
						adler32 TEXT NOT NULL DEFAULT '',
						md5 TEXT NOT NULL DEFAULT '',
						retry_count INTEGER NOT NULL DEFAULT 0,
						external_host TEXT,
						external_id TEXT,
						dest_url TEXT,
						src_url TEXT,
						reason TEXT,
						shard_hash BIGINT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL
					)`,
					`CREATE UNIQUE INDEX requests_one_nonterminal_index
						ON requests ( rule_id, scope, name, dest_rse_id )
						WHERE state IN ( 'Q', 'G', 'S' )`,
					`CREATE INDEX requests_state_index ON requests ( state, updated_at )`,
					`CREATE INDEX requests_external_index ON requests ( external_id ) WHERE external_id IS NOT NULL`,
					`CREATE TABLE requests_history (
						id TEXT NOT NULL PRIMARY KEY,
						request_type TEXT NOT NULL,
						state TEXT NOT NULL,
						scope TEXT NOT NULL,
						name TEXT NOT NULL,
						dest_rse_id TEXT NOT NULL,
						src_rse_id TEXT,
						rule_id TEXT NOT NULL,
						attempt_id TEXT,
						activity TEXT NOT NULL,
						bytes BIGINT NOT NULL,
						adler32 TEXT NOT NULL,
						md5 TEXT NOT NULL,
						retry_count INTEGER NOT NULL,
						external_host TEXT,
						external_id TEXT,
						dest_url TEXT,
						src_url TEXT,
						reason TEXT,
						created_at TIMESTAMP NOT NULL,
						archived_at TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE account_counters (
						account TEXT NOT NULL,
						rse_id TEXT NOT NULL,
						files BIGINT NOT NULL DEFAULT 0,
						bytes BIGINT NOT NULL DEFAULT 0,
						updated_at TIMESTAMP NOT NULL,
						PRIMARY KEY ( account, rse_id )
					)`,
					`CREATE TABLE updated_account_counters (
						id TEXT NOT NULL PRIMARY KEY,
						account TEXT NOT NULL,
						rse_id TEXT NOT NULL,
						files BIGINT NOT NULL,
						bytes BIGINT NOT NULL,
						created_at TIMESTAMP NOT NULL
					)`,
					`CREATE INDEX updated_account_counters_key_index ON updated_account_counters ( account, rse_id )`,
					`CREATE TABLE rse_counters (
						rse_id TEXT NOT NULL PRIMARY KEY,
						files BIGINT NOT NULL DEFAULT 0,
						bytes BIGINT NOT NULL DEFAULT 0,
						updated_at TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE updated_rse_counters (
						id TEXT NOT NULL PRIMARY KEY,
						rse_id TEXT NOT NULL,
						files BIGINT NOT NULL,
						bytes BIGINT NOT NULL,
						created_at TIMESTAMP NOT NULL
					)`,
					`CREATE INDEX updated_rse_counters_key_index ON updated_rse_counters ( rse_id )`,
					`CREATE TABLE subscriptions (
						id TEXT NOT NULL PRIMARY KEY,
						name TEXT NOT NULL,
						account TEXT NOT NULL,
						filter TEXT NOT NULL,
						replication_rules TEXT NOT NULL,
						state TEXT NOT NULL,
						last_processed TIMESTAMP,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL,
						UNIQUE ( name, account )
					)`,
					`CREATE TABLE messages (
						id TEXT NOT NULL PRIMARY KEY,
						event_type TEXT NOT NULL,
						payload TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE updated_dids (
						id TEXT NOT NULL PRIMARY KEY,
						scope TEXT NOT NULL,
						name TEXT NOT NULL,
						action TEXT NOT NULL,
						shard_hash BIGINT NOT NULL,
						created_at TIMESTAMP NOT NULL
					)`,
					`CREATE INDEX updated_dids_did_index ON updated_dids ( scope, name )`,
					`CREATE TABLE naming_conventions (
						scope TEXT NOT NULL PRIMARY KEY,
						regexp TEXT NOT NULL,
						convention_type TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE heartbeats (
						executable TEXT NOT NULL,
						hostname TEXT NOT NULL,
						pid INTEGER NOT NULL,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL,
						PRIMARY KEY ( executable, hostname, pid )
					)`,
				},
			},
		},
	}
}
