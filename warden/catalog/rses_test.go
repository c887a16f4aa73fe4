// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/catalog/catalogtest"
)

func TestRSEs(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		id := addRSE(ctx, t, db, "SITE-A_DATADISK")

		rse, err := db.GetRSE(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "SITE-A_DATADISK", rse.Name)
		require.True(t, rse.Deterministic)
		require.True(t, rse.CanRead())
		require.True(t, rse.CanWrite())
		require.True(t, rse.CanDelete())

		byName, err := db.GetRSEByName(ctx, "SITE-A_DATADISK")
		require.NoError(t, err)
		require.Equal(t, rse.ID, byName.ID)

		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			_, err := tx.AddRSE(ctx, catalog.AddRSE{Name: "SITE-A_DATADISK"})
			return err
		})
		require.True(t, catalog.ErrDuplicate.Has(err))

		_, err = db.GetRSE(ctx, testrand.UUID())
		require.True(t, catalog.ErrRSENotFound.Has(err))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.SetRSEAvailability(ctx, id, catalog.AvailabilityRead)
		}))
		rse, err = db.GetRSE(ctx, id)
		require.NoError(t, err)
		require.True(t, rse.CanRead())
		require.False(t, rse.CanWrite())
	})
}

func TestRSEAttributeGeneration(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		id := addRSE(ctx, t, db, "SITE-A_DATADISK")

		before, err := db.AttributeGeneration(ctx)
		require.NoError(t, err)

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AddRSEAttribute(ctx, id, "tier", "2")
		}))

		after, err := db.AttributeGeneration(ctx)
		require.NoError(t, err)
		require.Greater(t, after, before)

		attributes, err := db.GetRSEAttributes(ctx, id)
		require.NoError(t, err)
		require.Equal(t, map[string]string{"tier": "2"}, attributes)

		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AddRSEAttribute(ctx, id, "tier", "1")
		})
		require.True(t, catalog.ErrDuplicate.Has(err))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.DeleteRSEAttribute(ctx, id, "tier")
		}))
		attributes, err = db.GetRSEAttributes(ctx, id)
		require.NoError(t, err)
		require.Empty(t, attributes)

		final, err := db.AttributeGeneration(ctx)
		require.NoError(t, err)
		require.Greater(t, final, after)
	})
}

func TestProtocols(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		id := addRSE(ctx, t, db, "SITE-A_DATADISK")

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			if err := tx.AddProtocol(ctx, catalog.Protocol{
				RSEID: id, Scheme: "root", Hostname: "xrootd.site-a.example", Port: 1094,
				Prefix: "/data", ReadPriority: 1, WritePriority: 1, DeletePriority: 1,
			}); err != nil {
				return err
			}
			return tx.AddProtocol(ctx, catalog.Protocol{
				RSEID: id, Scheme: "davs", Hostname: "webdav.site-a.example", Port: 443,
				Prefix: "/data", ReadPriority: 2, WritePriority: 0, DeletePriority: 2,
				Extended: map[string]string{"third_party_copy": "1"},
			})
		}))

		protocols, err := db.ListProtocols(ctx, id)
		require.NoError(t, err)
		require.Len(t, protocols, 2)
		require.Equal(t, "davs", protocols[0].Scheme)
		require.Equal(t, "1", protocols[0].Extended["third_party_copy"])

		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AddProtocol(ctx, catalog.Protocol{RSEID: id, Scheme: "root"})
		})
		require.True(t, catalog.ErrDuplicate.Has(err))
	})
}

func TestRSEUsageAndLimits(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		id := addRSE(ctx, t, db, "SITE-A_DATADISK")

		// never reported yet
		usage, err := db.GetRSEUsage(ctx, id)
		require.NoError(t, err)
		require.Zero(t, usage.Used)
		require.Zero(t, usage.Free)

		require.NoError(t, db.SetRSEUsage(ctx, id, 400, 600))
		require.NoError(t, db.SetRSEUsage(ctx, id, 500, 500))
		usage, err = db.GetRSEUsage(ctx, id)
		require.NoError(t, err)
		require.Equal(t, int64(500), usage.Used)
		require.Equal(t, int64(500), usage.Free)

		_, found, err := db.GetAccountLimit(ctx, "analysis", id)
		require.NoError(t, err)
		require.False(t, found)

		require.NoError(t, db.SetAccountLimit(ctx, "analysis", id, 1000))
		require.NoError(t, db.SetAccountLimit(ctx, "analysis", id, 2000))
		bytes, found, err := db.GetAccountLimit(ctx, "analysis", id)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, int64(2000), bytes)
	})
}

func TestCounterFolding(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		id := addRSE(ctx, t, db, "SITE-A_DATADISK")

		require.NoError(t, db.QueueAccountCounterDelta(ctx, "analysis", id, 1, 100))
		require.NoError(t, db.QueueAccountCounterDelta(ctx, "analysis", id, 2, 200))
		require.NoError(t, db.QueueRSECounterDelta(ctx, id, 3, 300))

		// pending deltas already count against the account
		usage, err := db.GetAccountUsage(ctx, "analysis", id)
		require.NoError(t, err)
		require.Equal(t, catalog.Usage{Files: 3, Bytes: 300}, usage)

		keys, err := db.ListPendingCounterKeys(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, []catalog.CounterKey{{Account: "analysis", RSEID: id}}, keys)

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.FoldAccountCounter(ctx, keys[0])
		}))

		keys, err = db.ListPendingCounterKeys(ctx, 0)
		require.NoError(t, err)
		require.Empty(t, keys)

		// folding does not change the observed figure
		usage, err = db.GetAccountUsage(ctx, "analysis", id)
		require.NoError(t, err)
		require.Equal(t, catalog.Usage{Files: 3, Bytes: 300}, usage)

		ids, err := db.ListPendingRSECounterIDs(ctx, 0)
		require.NoError(t, err)
		require.Len(t, ids, 1)
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.FoldRSECounter(ctx, ids[0])
		}))

		counter, _, err := db.GetRSECounter(ctx, id)
		require.NoError(t, err)
		require.Equal(t, catalog.Usage{Files: 3, Bytes: 300}, counter)

		// folding an empty backlog is a no-op
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.FoldRSECounter(ctx, id)
		}))
	})
}
