// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/catalog/catalogtest"
)

func addDID(ctx context.Context, t *testing.T, db *catalog.DB, opts catalog.AddDID) {
	t.Helper()
	require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		return tx.AddDID(ctx, opts)
	}))
}

func addFile(ctx context.Context, t *testing.T, db *catalog.DB, did catalog.DID, bytes int64) {
	t.Helper()
	addDID(ctx, t, db, catalog.AddDID{
		DID: did, Type: catalog.DIDFile, Account: "ops",
		Bytes: bytes, Adler32: "01020304", MD5: "d41d8cd98f00b204e9800998ecf8427e",
	})
}

func attach(ctx context.Context, t *testing.T, db *catalog.DB, parent catalog.DID, children ...catalog.DID) {
	t.Helper()
	require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		return tx.AttachDIDs(ctx, parent, children)
	}))
}

func TestScopes(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.AddScope(ctx, "cms", "ops"))

		scope, err := db.GetScope(ctx, "cms")
		require.NoError(t, err)
		require.Equal(t, "cms", scope.Scope)
		require.Equal(t, "ops", scope.Account)

		_, err = db.GetScope(ctx, "atlas")
		require.True(t, catalog.ErrScopeNotFound.Has(err))

		err = db.AddScope(ctx, "cms", "ops")
		require.True(t, catalog.ErrDuplicate.Has(err))
	})
}

func TestAddDID(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.AddScope(ctx, "cms", "ops"))

		file := catalog.DID{Scope: "cms", Name: "file-1"}
		addFile(ctx, t, db, file, 1024)

		entry, err := db.GetDID(ctx, file)
		require.NoError(t, err)
		require.Equal(t, catalog.DIDFile, entry.Type)
		require.Equal(t, int64(1024), entry.Bytes)
		require.True(t, entry.IsNew)

		// unknown scope refuses
		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AddDID(ctx, catalog.AddDID{
				DID:  catalog.DID{Scope: "atlas", Name: "file-2"},
				Type: catalog.DIDFile, Account: "ops",
			})
		})
		require.True(t, catalog.ErrScopeNotFound.Has(err))

		// duplicate name in the scope refuses
		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AddDID(ctx, catalog.AddDID{
				DID: file, Type: catalog.DIDFile, Account: "ops",
			})
		})
		require.True(t, catalog.ErrDuplicate.Has(err))

		_, err = db.GetDID(ctx, catalog.DID{Scope: "cms", Name: "missing"})
		require.True(t, catalog.ErrDataIdentifierNotFound.Has(err))
	})
}

func TestContainment(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.AddScope(ctx, "cms", "ops"))

		dataset := catalog.DID{Scope: "cms", Name: "dataset-1"}
		container := catalog.DID{Scope: "cms", Name: "container-1"}
		fileA := catalog.DID{Scope: "cms", Name: "file-a"}
		fileB := catalog.DID{Scope: "cms", Name: "file-b"}

		addDID(ctx, t, db, catalog.AddDID{DID: dataset, Type: catalog.DIDDataset, Account: "ops"})
		addDID(ctx, t, db, catalog.AddDID{DID: container, Type: catalog.DIDContainer, Account: "ops"})
		addFile(ctx, t, db, fileA, 100)
		addFile(ctx, t, db, fileB, 200)

		attach(ctx, t, db, dataset, fileA, fileB)
		attach(ctx, t, db, container, dataset)

		// datasets hold files only
		err := db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AttachDIDs(ctx, dataset, []catalog.DID{container})
		})
		require.True(t, catalog.ErrUnsupportedOperation.Has(err))

		// containers hold collections only
		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AttachDIDs(ctx, container, []catalog.DID{fileA})
		})
		require.True(t, catalog.ErrUnsupportedOperation.Has(err))

		files, err := db.ListFiles(ctx, container)
		require.NoError(t, err)
		require.Len(t, files, 2)

		datasets, err := db.ListDatasets(ctx, container)
		require.NoError(t, err)
		require.Equal(t, []catalog.DID{dataset}, datasets)

		// a file resolves to itself
		files, err = db.ListFiles(ctx, fileA)
		require.NoError(t, err)
		require.Len(t, files, 1)
		require.Equal(t, fileA, files[0].DID)

		parents, err := db.ListParents(ctx, fileA)
		require.NoError(t, err)
		require.Equal(t, []catalog.DID{dataset}, parents)

		ancestors, err := db.ListAncestors(ctx, fileA)
		require.NoError(t, err)
		require.ElementsMatch(t, []catalog.DID{dataset, container}, ancestors)

		// attaching records the parent in the re-evaluation backlog
		updates, err := db.ListUpdatedDIDs(ctx, 10, catalog.All)
		require.NoError(t, err)
		require.NotEmpty(t, updates)
	})
}

func TestContainmentCycle(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.AddScope(ctx, "cms", "ops"))

		outer := catalog.DID{Scope: "cms", Name: "outer"}
		inner := catalog.DID{Scope: "cms", Name: "inner"}
		addDID(ctx, t, db, catalog.AddDID{DID: outer, Type: catalog.DIDContainer, Account: "ops"})
		addDID(ctx, t, db, catalog.AddDID{DID: inner, Type: catalog.DIDContainer, Account: "ops"})

		attach(ctx, t, db, outer, inner)

		err := db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AttachDIDs(ctx, inner, []catalog.DID{outer})
		})
		require.True(t, catalog.ErrUnsupportedOperation.Has(err))

		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AttachDIDs(ctx, outer, []catalog.DID{outer})
		})
		require.True(t, catalog.ErrUnsupportedOperation.Has(err))
	})
}

func TestDetach(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.AddScope(ctx, "cms", "ops"))

		dataset := catalog.DID{Scope: "cms", Name: "dataset-1"}
		frozen := catalog.DID{Scope: "cms", Name: "dataset-frozen"}
		file := catalog.DID{Scope: "cms", Name: "file-a"}

		addDID(ctx, t, db, catalog.AddDID{DID: dataset, Type: catalog.DIDDataset, Account: "ops"})
		addDID(ctx, t, db, catalog.AddDID{DID: frozen, Type: catalog.DIDDataset, Account: "ops", Monotonic: true})
		addFile(ctx, t, db, file, 100)

		attach(ctx, t, db, dataset, file)
		attach(ctx, t, db, frozen, file)

		// monotonic collections never shrink
		err := db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.DetachDIDs(ctx, frozen, []catalog.DID{file})
		})
		require.True(t, catalog.ErrUnsupportedOperation.Has(err))

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.DetachDIDs(ctx, dataset, []catalog.DID{file})
		}))

		files, err := db.ListFiles(ctx, dataset)
		require.NoError(t, err)
		require.Empty(t, files)

		// detaching a missing edge is an error
		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.DetachDIDs(ctx, dataset, []catalog.DID{file})
		})
		require.True(t, catalog.ErrDataIdentifierNotFound.Has(err))
	})
}

func TestCloseDID(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.AddScope(ctx, "cms", "ops"))

		dataset := catalog.DID{Scope: "cms", Name: "dataset-1"}
		file := catalog.DID{Scope: "cms", Name: "file-a"}
		addDID(ctx, t, db, catalog.AddDID{DID: dataset, Type: catalog.DIDDataset, Account: "ops"})
		addFile(ctx, t, db, file, 100)

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.CloseDID(ctx, dataset)
		}))

		entry, err := db.GetDID(ctx, dataset)
		require.NoError(t, err)
		require.False(t, entry.IsOpen)

		// closed collections refuse another close and refuse new content
		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.CloseDID(ctx, dataset)
		})
		require.True(t, catalog.ErrUnsupportedStatus.Has(err))

		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.AttachDIDs(ctx, dataset, []catalog.DID{file})
		})
		require.True(t, catalog.ErrUnsupportedStatus.Has(err))

		// files have no open state
		err = db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.CloseDID(ctx, file)
		})
		require.True(t, catalog.ErrUnsupportedStatus.Has(err))
	})
}

func TestDIDMetadata(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.AddScope(ctx, "cms", "ops"))

		dataset := catalog.DID{Scope: "cms", Name: "dataset-1"}
		addDID(ctx, t, db, catalog.AddDID{
			DID: dataset, Type: catalog.DIDDataset, Account: "ops",
			Metadata: map[string]string{"project": "higgs"},
		})

		require.NoError(t, db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.SetDIDMetadata(ctx, dataset, map[string]string{"datatype": "AOD"})
		}))

		meta, err := db.GetDIDMetadata(ctx, dataset)
		require.NoError(t, err)
		require.Equal(t, map[string]string{"project": "higgs", "datatype": "AOD"}, meta)

		found, err := db.ListDIDsByMetadata(ctx, "datatype", "AOD")
		require.NoError(t, err)
		require.Equal(t, []catalog.DID{dataset}, found)
	})
}

func TestNewDIDBacklog(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		require.NoError(t, db.AddScope(ctx, "cms", "ops"))

		a := catalog.DID{Scope: "cms", Name: "file-a"}
		b := catalog.DID{Scope: "cms", Name: "file-b"}
		addFile(ctx, t, db, a, 1)
		addFile(ctx, t, db, b, 2)

		entries, err := db.ListNewDIDs(ctx, 10, catalog.All)
		require.NoError(t, err)
		require.Len(t, entries, 2)

		require.NoError(t, db.SetDIDsProcessed(ctx, []catalog.DID{a, b}))

		entries, err = db.ListNewDIDs(ctx, 10, catalog.All)
		require.NoError(t, err)
		require.Empty(t, entries)
	})
}
