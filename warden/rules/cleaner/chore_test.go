// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package cleaner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/uuid"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/catalog/catalogtest"
	"github.com/drovelabs/drove/warden/rseexpr"
	"github.com/drovelabs/drove/warden/rules"
	"github.com/drovelabs/drove/warden/rules/cleaner"
)

type env struct {
	db     *catalog.DB
	engine *rules.Engine
	chore  *cleaner.Chore
}

func newEnv(ctx context.Context, t *testing.T, db *catalog.DB) *env {
	log := zaptest.NewLogger(t)
	expressions := rseexpr.NewEvaluator(log.Named("rseexpr"), db, rseexpr.Config{
		CacheExpiration: 0,
		CacheCapacity:   10,
	})
	engine := rules.NewEngine(log.Named("rules"), db, expressions)
	e := &env{
		db:     db,
		engine: engine,
		chore: cleaner.NewChore(log.Named("cleaner"), db, engine, cleaner.Config{
			Interval:  5 * time.Minute,
			ChunkSize: 100,
		}),
	}

	require.NoError(t, db.AddScope(ctx, "cms", "ops"))
	require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) (err error) {
		id, err := tx.AddRSE(ctx, catalog.AddRSE{
			Name: "SITE-A_DATADISK", Deterministic: true, Availability: catalog.AvailabilityAll,
		})
		if err != nil {
			return err
		}
		return tx.AddRSEAttribute(ctx, id, "type", "DATADISK")
	}))
	return e
}

func (e *env) addRuledFile(ctx context.Context, t *testing.T, name string, spec rules.Spec) uuid.UUID {
	t.Helper()
	did := catalog.DID{Scope: "cms", Name: name}
	require.NoError(t, e.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		return tx.AddDID(ctx, catalog.AddDID{
			DID: did, Type: catalog.DIDFile, Account: "ops",
			Bytes: 100, Adler32: "01020304", MD5: "d41d8cd98f00b204e9800998ecf8427e",
		})
	}))
	ids, err := e.engine.AddRule(ctx, []catalog.DID{did}, spec)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func TestSweepDeletesExpiredRules(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		e := newEnv(ctx, t, db)

		base := rules.Spec{
			Account: "analysis", Copies: 1, RSEExpression: "type=DATADISK",
			Grouping: catalog.GroupingNone,
		}

		shortLived := base
		shortLived.Lifetime = time.Hour
		expiring := e.addRuledFile(ctx, t, "file-a", shortLived)

		locked := shortLived
		locked.Locked = true
		protected := e.addRuledFile(ctx, t, "file-b", locked)

		eternal := e.addRuledFile(ctx, t, "file-c", base)

		// nothing has expired yet
		require.NoError(t, e.chore.RunOnce(ctx))
		_, err := db.GetRule(ctx, expiring)
		require.NoError(t, err)

		e.chore.TestingSetNow(func() time.Time { return time.Now().Add(2 * time.Hour) })
		require.NoError(t, e.chore.RunOnce(ctx))

		_, err = db.GetRule(ctx, expiring)
		require.True(t, catalog.ErrRuleNotFound.Has(err))

		// locked rules never expire, lifetime-less rules have nothing to expire
		_, err = db.GetRule(ctx, protected)
		require.NoError(t, err)
		_, err = db.GetRule(ctx, eternal)
		require.NoError(t, err)

		// the sweep is idempotent
		require.NoError(t, e.chore.RunOnce(ctx))
	})
}
