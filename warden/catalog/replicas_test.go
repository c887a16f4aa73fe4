// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/common/uuid"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/catalog/catalogtest"
)

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

func addReplica(ctx context.Context, t *testing.T, db *catalog.DB, rseID uuid.UUID, did catalog.DID, state catalog.ReplicaState, bytes int64) {
	t.Helper()
	require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		return tx.AddReplicas(ctx, rseID, "ops", []catalog.AddReplica{{
			DID: did, State: state, Bytes: bytes,
		}})
	}))
}

func TestReplicas(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.AddScope(ctx, "cms", "ops"))
		file := catalog.DID{Scope: "cms", Name: "file-a"}
		addFile(ctx, t, db, file, 100)

		rse := addRSE(ctx, t, db, "SITE-A_DATADISK")
		addReplica(ctx, t, db, rse, file, catalog.ReplicaAvailable, 100)

		replica, err := db.GetReplica(ctx, rse, file)
		require.NoError(t, err)
		require.Equal(t, catalog.ReplicaAvailable, replica.State)
		require.Equal(t, int64(100), replica.Bytes)
		require.Zero(t, replica.LockCnt)
		require.Nil(t, replica.Tombstone)

		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AddReplicas(ctx, rse, "ops", []catalog.AddReplica{{
				DID: file, State: catalog.ReplicaAvailable,
			}})
		})
		require.True(t, catalog.ErrDuplicate.Has(err))

		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AddReplicas(ctx, testrand.UUID(), "ops", []catalog.AddReplica{{
				DID: file, State: catalog.ReplicaAvailable,
			}})
		})
		require.True(t, catalog.ErrRSENotFound.Has(err))

		_, err = db.GetReplica(ctx, rse, catalog.DID{Scope: "cms", Name: "missing"})
		require.True(t, catalog.ErrReplicaNotFound.Has(err))
	})
}

func TestReplicaStateUpdates(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.AddScope(ctx, "cms", "ops"))
		fileA := catalog.DID{Scope: "cms", Name: "file-a"}
		fileB := catalog.DID{Scope: "cms", Name: "file-b"}
		addFile(ctx, t, db, fileA, 100)
		addFile(ctx, t, db, fileB, 200)

		rse := addRSE(ctx, t, db, "SITE-A_DATADISK")
		addReplica(ctx, t, db, rse, fileA, catalog.ReplicaCopying, 100)
		addReplica(ctx, t, db, rse, fileB, catalog.ReplicaCopying, 200)

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.UpdateReplicasStates(ctx, []catalog.ReplicaStateUpdate{
				{RSEID: rse, DID: fileA, State: catalog.ReplicaAvailable},
				{RSEID: rse, DID: fileB, State: catalog.ReplicaAvailable},
			}, true)
		}))

		replica, err := db.GetReplica(ctx, rse, fileA)
		require.NoError(t, err)
		require.Equal(t, catalog.ReplicaAvailable, replica.State)

		// a missing replica fails the whole batch
		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.UpdateReplicasStates(ctx, []catalog.ReplicaStateUpdate{
				{RSEID: rse, DID: fileA, State: catalog.ReplicaUnavailable},
				{RSEID: rse, DID: catalog.DID{Scope: "cms", Name: "missing"}, State: catalog.ReplicaUnavailable},
			}, true)
		})
		require.True(t, catalog.ErrReplicaNotFound.Has(err))

		replica, err = db.GetReplica(ctx, rse, fileA)
		require.NoError(t, err)
		require.Equal(t, catalog.ReplicaAvailable, replica.State)
	})
}

func TestLocksPinReplicas(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.AddScope(ctx, "cms", "ops"))
		file := catalog.DID{Scope: "cms", Name: "file-a"}
		addFile(ctx, t, db, file, 100)

		rse := addRSE(ctx, t, db, "SITE-A_DATADISK")
		addReplica(ctx, t, db, rse, file, catalog.ReplicaAvailable, 100)

		ruleA := testrand.UUID()
		ruleB := testrand.UUID()

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			if err := tx.CreateLock(ctx, catalog.Lock{
				RuleID: ruleA, RSEID: rse, DID: file, State: catalog.LockOK, Bytes: 100,
			}); err != nil {
				return err
			}
			return tx.CreateLock(ctx, catalog.Lock{
				RuleID: ruleB, RSEID: rse, DID: file, State: catalog.LockOK, Bytes: 100,
			})
		}))

		replica, err := db.GetReplica(ctx, rse, file)
		require.NoError(t, err)
		require.Equal(t, 2, replica.LockCnt)

		// a pinned replica cannot be tombstoned
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.TombstoneReplicaIfUnlocked(ctx, rse, file)
		}))
		replica, err = db.GetReplica(ctx, rse, file)
		require.NoError(t, err)
		require.Nil(t, replica.Tombstone)

		var remaining int
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) (err error) {
			remaining, err = tx.DeleteLock(ctx, ruleA, rse, file)
			return err
		}))
		require.Equal(t, 1, remaining)

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) (err error) {
			remaining, err = tx.DeleteLock(ctx, ruleB, rse, file)
			if err != nil {
				return err
			}
			if remaining == 0 {
				return tx.TombstoneReplicaIfUnlocked(ctx, rse, file)
			}
			return nil
		}))
		require.Zero(t, remaining)

		replica, err = db.GetReplica(ctx, rse, file)
		require.NoError(t, err)
		require.NotNil(t, replica.Tombstone)

		// a lock without a replica refuses
		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.CreateLock(ctx, catalog.Lock{
				RuleID: ruleA, RSEID: rse, DID: catalog.DID{Scope: "cms", Name: "missing"},
				State: catalog.LockOK,
			})
		})
		require.True(t, catalog.ErrReplicaNotFound.Has(err))
	})
}

func TestLockListing(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.AddScope(ctx, "cms", "ops"))
		file := catalog.DID{Scope: "cms", Name: "file-a"}
		addFile(ctx, t, db, file, 100)

		rseA := addRSE(ctx, t, db, "SITE-A_DATADISK")
		rseB := addRSE(ctx, t, db, "SITE-B_DATADISK")
		addReplica(ctx, t, db, rseA, file, catalog.ReplicaAvailable, 100)
		addReplica(ctx, t, db, rseB, file, catalog.ReplicaCopying, 100)

		rule := testrand.UUID()
		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			if err := tx.CreateLock(ctx, catalog.Lock{
				RuleID: rule, RSEID: rseA, DID: file, State: catalog.LockOK, Bytes: 100,
			}); err != nil {
				return err
			}
			return tx.CreateLock(ctx, catalog.Lock{
				RuleID: rule, RSEID: rseB, DID: file, State: catalog.LockReplicating, Bytes: 100,
			})
		}))

		locks, err := db.ListRuleLocks(ctx, rule)
		require.NoError(t, err)
		require.Len(t, locks, 2)

		locks, err = db.ListReplicaLocks(ctx, rseB, file)
		require.NoError(t, err)
		require.Len(t, locks, 1)
		require.Equal(t, catalog.LockReplicating, locks[0].State)

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.SetLockState(ctx, rule, rseB, file, catalog.LockOK)
		}))
		locks, err = db.ListReplicaLocks(ctx, rseB, file)
		require.NoError(t, err)
		require.Equal(t, catalog.LockOK, locks[0].State)
	})
}
