// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package accounting_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/uuid"

	"github.com/drovelabs/drove/warden/accounting"
	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/catalog/catalogtest"
)

func newReducer(t *testing.T, db *catalog.DB) *accounting.Reducer {
	return accounting.NewReducer(zaptest.NewLogger(t), db, accounting.Config{
		Interval:  time.Minute,
		ChunkSize: 100,
	})
}

func addRSE(ctx context.Context, t *testing.T, db *catalog.DB, name string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) (err error) {
		id, err = tx.AddRSE(ctx, catalog.AddRSE{
			Name: name, Deterministic: true, Availability: catalog.AvailabilityAll,
		})
		return err
	}))
	return id
}

func TestReducerFoldsPendingDeltas(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		rseA := addRSE(ctx, t, db, "SITE-A_DATADISK")
		rseB := addRSE(ctx, t, db, "SITE-B_DATADISK")

		require.NoError(t, db.QueueAccountCounterDelta(ctx, "analysis", rseA, 2, 200))
		require.NoError(t, db.QueueAccountCounterDelta(ctx, "analysis", rseA, 1, 100))
		require.NoError(t, db.QueueAccountCounterDelta(ctx, "analysis", rseA, -1, -50))
		require.NoError(t, db.QueueAccountCounterDelta(ctx, "prod", rseB, 4, 400))
		require.NoError(t, db.QueueRSECounterDelta(ctx, rseA, 3, 300))
		require.NoError(t, db.QueueRSECounterDelta(ctx, rseA, -1, -50))
		require.NoError(t, db.QueueRSECounterDelta(ctx, rseB, 4, 400))

		// admission already sees the pending deltas before the fold
		usage, err := db.GetAccountUsage(ctx, "analysis", rseA)
		require.NoError(t, err)
		require.Equal(t, catalog.Usage{Files: 2, Bytes: 250}, usage)

		require.NoError(t, newReducer(t, db).RunOnce(ctx))

		keys, err := db.ListPendingCounterKeys(ctx, 100)
		require.NoError(t, err)
		require.Empty(t, keys)
		ids, err := db.ListPendingRSECounterIDs(ctx, 100)
		require.NoError(t, err)
		require.Empty(t, ids)

		// the fold is invisible to the figure admission charges against
		usage, err = db.GetAccountUsage(ctx, "analysis", rseA)
		require.NoError(t, err)
		require.Equal(t, catalog.Usage{Files: 2, Bytes: 250}, usage)
		usage, err = db.GetAccountUsage(ctx, "prod", rseB)
		require.NoError(t, err)
		require.Equal(t, catalog.Usage{Files: 4, Bytes: 400}, usage)

		counter, updatedAt, err := db.GetRSECounter(ctx, rseA)
		require.NoError(t, err)
		require.Equal(t, catalog.Usage{Files: 2, Bytes: 250}, counter)
		require.False(t, updatedAt.IsZero())
		counter, _, err = db.GetRSECounter(ctx, rseB)
		require.NoError(t, err)
		require.Equal(t, catalog.Usage{Files: 4, Bytes: 400}, counter)
	})
}

func TestReducerAccumulatesAcrossRuns(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		rse := addRSE(ctx, t, db, "SITE-A_DATADISK")
		reducer := newReducer(t, db)

		require.NoError(t, db.QueueAccountCounterDelta(ctx, "analysis", rse, 1, 100))
		require.NoError(t, reducer.RunOnce(ctx))
		require.NoError(t, db.QueueAccountCounterDelta(ctx, "analysis", rse, 2, 200))
		require.NoError(t, reducer.RunOnce(ctx))

		usage, err := db.GetAccountUsage(ctx, "analysis", rse)
		require.NoError(t, err)
		require.Equal(t, catalog.Usage{Files: 3, Bytes: 300}, usage)
	})
}

func TestReducerRunOnceEmpty(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, newReducer(t, db).RunOnce(ctx))
	})
}
