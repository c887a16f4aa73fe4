// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package transmogrifier_test

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
	"github.com/drovelabs/drove/warden/heartbeat"
	"github.com/drovelabs/drove/warden/rseexpr"
	"github.com/drovelabs/drove/warden/rules"
	"github.com/drovelabs/drove/warden/transmogrifier"
)

type env struct {
	db    *catalog.DB
	chore *transmogrifier.Chore
}

func newEnv(ctx context.Context, t *testing.T, db *catalog.DB) *env {
	log := zaptest.NewLogger(t)
	evaluator := rseexpr.NewEvaluator(log.Named("rseexpr"), db, rseexpr.Config{
		CacheExpiration: 0, CacheCapacity: 10,
	})
	engine := rules.NewEngine(log.Named("rules"), db, evaluator)
	hb := heartbeat.NewService(log.Named("heartbeat"), db, heartbeat.Config{
		Interval: 30 * time.Second,
	}, nil)
	e := &env{
		db: db,
		chore: transmogrifier.NewChore(log.Named("transmogrifier"), db, engine, hb, transmogrifier.Config{
			Interval: time.Minute, ChunkSize: 10, MaxDIDs: 100, Workers: 2,
		}),
	}

	require.NoError(t, db.AddScope(ctx, "data16", "ops"))
	require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
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

func (e *env) addSubscription(ctx context.Context, t *testing.T, sub catalog.Subscription) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	require.NoError(t, e.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) (err error) {
		id, err = tx.AddSubscription(ctx, sub)
		return err
	}))
	return id
}

func (e *env) addDataset(ctx context.Context, t *testing.T, name string, metadata map[string]string) catalog.DID {
	t.Helper()
	did := catalog.DID{Scope: "data16", Name: name}
	require.NoError(t, e.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		return tx.AddDID(ctx, catalog.AddDID{
			DID: did, Type: catalog.DIDDataset, Account: "ops", Metadata: metadata,
		})
	}))
	return did
}

func TestMatchSynthesizesRules(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		e := newEnv(ctx, t, db)
		subID := e.addSubscription(ctx, t, catalog.Subscription{
			Name: "daod-export", Account: "prod",
			Filter: catalog.SubscriptionFilter{
				Pattern:  `data16.*`,
				Scopes:   []string{"data16"},
				Metadata: map[string][]string{"datatype": {"DAOD"}},
			},
			Rules: []catalog.RuleTemplate{{
				Copies: 1, RSEExpression: "type=DATADISK", Grouping: "DATASET",
				LifetimeSeconds: 3600,
			}},
		})

		matching := e.addDataset(ctx, t, "data16_13TeV.DAOD.r9264", map[string]string{"datatype": "DAOD"})
		e.addDataset(ctx, t, "data16_13TeV.RAW.r9264", map[string]string{"datatype": "RAW"})

		require.NoError(t, e.chore.RunOnce(ctx))

		matched, err := db.ListRulesForDIDs(ctx, []catalog.DID{matching})
		require.NoError(t, err)
		require.Len(t, matched, 1)
		require.Equal(t, "prod", matched[0].Account)
		require.NotNil(t, matched[0].SubscriptionID)
		require.Equal(t, subID, *matched[0].SubscriptionID)
		require.NotNil(t, matched[0].ExpiresAt)

		unmatched, err := db.ListRulesForDIDs(ctx, []catalog.DID{{Scope: "data16", Name: "data16_13TeV.RAW.r9264"}})
		require.NoError(t, err)
		require.Empty(t, unmatched)

		// the whole backlog is consumed either way
		entries, err := db.ListNewDIDs(ctx, 100, catalog.All)
		require.NoError(t, err)
		require.Empty(t, entries)

		sub, err := db.GetSubscription(ctx, subID)
		require.NoError(t, err)
		require.NotNil(t, sub.LastProcessed)
	})
}

func TestFilesSkipMatching(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		e := newEnv(ctx, t, db)
		e.addSubscription(ctx, t, catalog.Subscription{
			Name: "catch-all", Account: "prod",
			Filter: catalog.SubscriptionFilter{Pattern: `.*`},
			Rules: []catalog.RuleTemplate{{
				Copies: 1, RSEExpression: "type=DATADISK", Grouping: "NONE",
			}},
		})

		file := catalog.DID{Scope: "data16", Name: "file-a"}
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AddDID(ctx, catalog.AddDID{
				DID: file, Type: catalog.DIDFile, Account: "ops",
				Bytes: 100, Adler32: "01020304", MD5: "d41d8cd98f00b204e9800998ecf8427e",
			})
		}))

		require.NoError(t, e.chore.RunOnce(ctx))

		// files never match subscriptions but still leave the backlog
		found, err := db.ListRulesForDIDs(ctx, []catalog.DID{file})
		require.NoError(t, err)
		require.Empty(t, found)

		entries, err := db.ListNewDIDs(ctx, 100, catalog.All)
		require.NoError(t, err)
		require.Empty(t, entries)
	})
}

func TestDuplicateRulesAreSkipped(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		e := newEnv(ctx, t, db)
		e.addSubscription(ctx, t, catalog.Subscription{
			Name: "daod-a", Account: "prod",
			Filter: catalog.SubscriptionFilter{Pattern: `data16.*`},
			Rules: []catalog.RuleTemplate{{
				Copies: 1, RSEExpression: "type=DATADISK", Grouping: "DATASET",
			}},
		})
		e.addSubscription(ctx, t, catalog.Subscription{
			Name: "daod-b", Account: "prod",
			Filter: catalog.SubscriptionFilter{Pattern: `data16.*`},
			Rules: []catalog.RuleTemplate{{
				Copies: 1, RSEExpression: "type=DATADISK", Grouping: "DATASET",
			}},
		})

		dataset := e.addDataset(ctx, t, "data16_13TeV.DAOD.r9264", nil)
		require.NoError(t, e.chore.RunOnce(ctx))

		// the second identical template is rejected as a duplicate and skipped
		found, err := db.ListRulesForDIDs(ctx, []catalog.DID{dataset})
		require.NoError(t, err)
		require.Len(t, found, 1)

		entries, err := db.ListNewDIDs(ctx, 100, catalog.All)
		require.NoError(t, err)
		require.Empty(t, entries)
	})
}

func TestBrokenSubscriptionGoesBroken(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		e := newEnv(ctx, t, db)
		brokenID := e.addSubscription(ctx, t, catalog.Subscription{
			Name: "broken", Account: "prod",
			Filter: catalog.SubscriptionFilter{Pattern: `data16.(`},
			Rules: []catalog.RuleTemplate{{
				Copies: 1, RSEExpression: "type=DATADISK", Grouping: "DATASET",
			}},
		})

		e.addDataset(ctx, t, "data16_13TeV.DAOD.r9264", nil)
		require.NoError(t, e.chore.RunOnce(ctx))

		sub, err := db.GetSubscription(ctx, brokenID)
		require.NoError(t, err)
		require.Equal(t, catalog.SubscriptionBroken, sub.State)
	})
}
