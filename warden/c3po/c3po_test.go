// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package c3po_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/uuid"

	"github.com/drovelabs/drove/warden/c3po"
	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/catalog/catalogtest"
	"github.com/drovelabs/drove/warden/rseexpr"
)

type env struct {
	db         *catalog.DB
	popularity *c3po.MemoryPopularity
	advisor    *c3po.Advisor
}

func newEnv(ctx context.Context, t *testing.T, db *catalog.DB, config c3po.Config) *env {
	log := zaptest.NewLogger(t)
	evaluator := rseexpr.NewEvaluator(log.Named("rseexpr"), db, rseexpr.Config{
		CacheExpiration: 0,
		CacheCapacity:   10,
	})
	popularity := c3po.NewMemoryPopularity()
	e := &env{
		db:         db,
		popularity: popularity,
		advisor:    c3po.NewAdvisor(log.Named("c3po"), db, evaluator, popularity, config),
	}
	require.NoError(t, db.AddScope(ctx, "data16", "ops"))
	return e
}

func defaultConfig() c3po.Config {
	return c3po.Config{
		Interval:            time.Minute,
		PopularityThreshold: 10,
		MaxReplicas:         5,
		Expression:          "type=DATADISK",
		WinnerPenalty:       10,
	}
}

func (e *env) addRSE(ctx context.Context, t *testing.T, name string, availability int, used, free int64) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	require.NoError(t, e.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) (err error) {
		id, err = tx.AddRSE(ctx, catalog.AddRSE{
			Name: name, Deterministic: true, Availability: availability,
		})
		if err != nil {
			return err
		}
		return tx.AddRSEAttribute(ctx, id, "type", "DATADISK")
	}))
	require.NoError(t, e.db.SetRSEUsage(ctx, id, used, free))
	return id
}

func (e *env) addDatasetWithReplicas(ctx context.Context, t *testing.T, name string, holders ...uuid.UUID) catalog.DID {
	t.Helper()
	dataset := catalog.DID{Scope: "data16", Name: name}
	file := catalog.DID{Scope: "data16", Name: name + ".file-1"}
	require.NoError(t, e.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		if err := tx.AddDID(ctx, catalog.AddDID{
			DID: file, Type: catalog.DIDFile, Account: "ops",
			Bytes: 100, Adler32: "01020304", MD5: "d41d8cd98f00b204e9800998ecf8427e",
		}); err != nil {
			return err
		}
		if err := tx.AddDID(ctx, catalog.AddDID{
			DID: dataset, Type: catalog.DIDDataset, Account: "ops",
		}); err != nil {
			return err
		}
		if err := tx.AttachDIDs(ctx, dataset, []catalog.DID{file}); err != nil {
			return err
		}
		for _, rseID := range holders {
			err := tx.AddReplicas(ctx, rseID, "ops", []catalog.AddReplica{{
				DID: file, State: catalog.ReplicaAvailable, Bytes: 100,
			}})
			if err != nil {
				return err
			}
		}
		return nil
	}))
	return dataset
}

func TestPlaceDeclines(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		e := newEnv(ctx, t, db, defaultConfig())
		e.addRSE(ctx, t, "SITE-A_DATADISK", catalog.AvailabilityAll, 200, 800)

		require.NoError(t, db.AddScope(ctx, "user.jdoe", "ops"))
		user := catalog.DID{Scope: "user.jdoe", Name: "thesis-skim"}
		e.popularity.Set(user, 1000)

		// only data and mc names are advised on
		decision, err := e.advisor.Place(ctx, user)
		require.NoError(t, err)
		require.Nil(t, decision)

		cold := e.addDatasetWithReplicas(ctx, t, "data16_13TeV.AOD.r9264")
		e.popularity.Set(cold, 9)
		decision, err = e.advisor.Place(ctx, cold)
		require.NoError(t, err)
		require.Nil(t, decision)

		e.popularity.Set(cold, 10)
		decision, err = e.advisor.Place(ctx, cold)
		require.NoError(t, err)
		require.NotNil(t, decision)
	})
}

func TestPlaceDeclinesWhenReplicatedWidely(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		config := defaultConfig()
		config.MaxReplicas = 2
		e := newEnv(ctx, t, db, config)

		rseA := e.addRSE(ctx, t, "SITE-A_DATADISK", catalog.AvailabilityAll, 200, 800)
		rseB := e.addRSE(ctx, t, "SITE-B_DATADISK", catalog.AvailabilityAll, 200, 800)
		e.addRSE(ctx, t, "SITE-C_DATADISK", catalog.AvailabilityAll, 200, 800)

		dataset := e.addDatasetWithReplicas(ctx, t, "mc21_13TeV.EVNT.r1000", rseA, rseB)
		e.popularity.Set(dataset, 100)

		decision, err := e.advisor.Place(ctx, dataset)
		require.NoError(t, err)
		require.Nil(t, decision)
	})
}

func TestPlaceExcludesHoldersAndUnwritable(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		e := newEnv(ctx, t, db, defaultConfig())

		holder := e.addRSE(ctx, t, "SITE-A_DATADISK", catalog.AvailabilityAll, 100, 900)
		e.addRSE(ctx, t, "SITE-B_DATADISK", catalog.AvailabilityRead, 100, 900)
		writable := e.addRSE(ctx, t, "SITE-C_DATADISK", catalog.AvailabilityAll, 500, 500)

		dataset := e.addDatasetWithReplicas(ctx, t, "data16_13TeV.DAOD.r9264", holder)
		e.popularity.Set(dataset, 100)

		// the holder and the read-only element are out, despite better ranks
		decision, err := e.advisor.Place(ctx, dataset)
		require.NoError(t, err)
		require.NotNil(t, decision)
		require.Equal(t, writable, decision.RSEID)
		require.Equal(t, "SITE-C_DATADISK", decision.RSEName)
	})
}

func TestPlaceRanksByFreeShare(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		e := newEnv(ctx, t, db, defaultConfig())

		e.addRSE(ctx, t, "SITE-A_DATADISK", catalog.AvailabilityAll, 900, 100)
		rseB := e.addRSE(ctx, t, "SITE-B_DATADISK", catalog.AvailabilityAll, 500, 500)
		rseC := e.addRSE(ctx, t, "SITE-C_DATADISK", catalog.AvailabilityAll, 200, 800)

		dataset := e.addDatasetWithReplicas(ctx, t, "data16_13TeV.AOD.r9264")
		e.popularity.Set(dataset, 100)

		decision, err := e.advisor.Place(ctx, dataset)
		require.NoError(t, err)
		require.NotNil(t, decision)
		require.Equal(t, rseC, decision.RSEID)
		require.InDelta(t, 80.0, decision.Rank, 0.001)

		// the winner carries a penalty: 80/10 drops below SITE-B's 50
		decision, err = e.advisor.Place(ctx, dataset)
		require.NoError(t, err)
		require.NotNil(t, decision)
		require.Equal(t, rseB, decision.RSEID)
		require.InDelta(t, 50.0, decision.Rank, 0.001)

		// penalties decay one per tick and drop off at the floor
		for i := 0; i < 9; i++ {
			e.advisor.Decay()
		}
		decision, err = e.advisor.Place(ctx, dataset)
		require.NoError(t, err)
		require.NotNil(t, decision)
		require.Equal(t, rseC, decision.RSEID)
		require.InDelta(t, 80.0, decision.Rank, 0.001)
	})
}

func TestPlaceWithoutCandidates(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		e := newEnv(ctx, t, db, defaultConfig())

		// eligible but unreported usage ranks as empty and is skipped
		e.addRSEWithoutUsage(ctx, t, "SITE-A_DATADISK")

		dataset := e.addDatasetWithReplicas(ctx, t, "data16_13TeV.AOD.r9264")
		e.popularity.Set(dataset, 100)

		decision, err := e.advisor.Place(ctx, dataset)
		require.NoError(t, err)
		require.Nil(t, decision)
	})
}

func (e *env) addRSEWithoutUsage(ctx context.Context, t *testing.T, name string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	require.NoError(t, e.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) (err error) {
		id, err = tx.AddRSE(ctx, catalog.AddRSE{
			Name: name, Deterministic: true, Availability: catalog.AvailabilityAll,
		})
		if err != nil {
			return err
		}
		return tx.AddRSEAttribute(ctx, id, "type", "DATADISK")
	}))
	return id
}
