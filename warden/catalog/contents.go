// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"

	"storj.io/common/uuid"
)

// Child is a containment edge target.
type Child struct {
	DID
	Type DIDType
}

// File is a leaf of the containment graph with its transfer payload.
type File struct {
	DID
	Bytes   int64
	Adler32 string
	MD5     string
}

// AttachDIDs adds children to an open collection. Containers may contain
// collections only; datasets may contain files only; the graph stays a DAG.
// The parent is recorded in the re-evaluation backlog.
func (tx *Tx) AttachDIDs(ctx context.Context, parent DID, children []DID) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(children) == 0 {
		return nil
	}

	parentEntry, err := tx.GetDID(ctx, parent)
	if err != nil {
		return err
	}
	if !parentEntry.Type.IsCollection() {
		return ErrUnsupportedOperation.New("%s is a file and cannot contain anything", parent)
	}
	if !parentEntry.IsOpen {
		return ErrUnsupportedStatus.New("%s is closed", parent)
	}

	ancestors, err := tx.listAncestors(ctx, parent)
	if err != nil {
		return err
	}
	ancestors[parent] = struct{}{}

	now := tx.now().UTC()
	for _, child := range children {
		childEntry, err := tx.GetDID(ctx, child)
		if err != nil {
			return err
		}

		switch parentEntry.Type {
		case DIDDataset:
			if childEntry.Type != DIDFile {
				return ErrUnsupportedOperation.New("dataset %s cannot contain %s %s",
					parent, childEntry.Type, child)
			}
		case DIDContainer:
			if !childEntry.Type.IsCollection() {
				return ErrUnsupportedOperation.New("container %s cannot contain file %s",
					parent, child)
			}
		}

		if _, ok := ancestors[child]; ok {
			return ErrUnsupportedOperation.New("attaching %s to %s would create a cycle",
				child, parent)
		}

		_, err = tx.q.ExecContext(ctx, tx.rebind(`
			INSERT INTO contents ( scope, name, child_scope, child_name, child_type, created_at )
			VALUES ( ?, ?, ?, ?, ?, ? )
		`), parent.Scope, parent.Name, child.Scope, child.Name, childEntry.Type, now)
		if err != nil {
			if tx.isUniqueViolation(err) {
				return ErrDuplicate.New("%s already contains %s", parent, child)
			}
			return Error.Wrap(err)
		}
	}

	return tx.insertUpdatedDID(ctx, parent, ActionAttach)
}

// DetachDIDs removes children from a collection. Monotonic collections do
// not give content back.
func (tx *Tx) DetachDIDs(ctx context.Context, parent DID, children []DID) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(children) == 0 {
		return nil
	}

	parentEntry, err := tx.GetDID(ctx, parent)
	if err != nil {
		return err
	}
	if parentEntry.Monotonic {
		return ErrUnsupportedOperation.New("%s is monotonic", parent)
	}

	for _, child := range children {
		result, err := tx.q.ExecContext(ctx, tx.rebind(`
			DELETE FROM contents
			WHERE scope = ? AND name = ? AND child_scope = ? AND child_name = ?
		`), parent.Scope, parent.Name, child.Scope, child.Name)
		if err != nil {
			return Error.Wrap(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return Error.Wrap(err)
		}
		if affected == 0 {
			return ErrDataIdentifierNotFound.New("%s is not contained in %s", child, parent)
		}
	}

	return tx.insertUpdatedDID(ctx, parent, ActionDetach)
}

// ListChildren returns the direct children of a collection.
func (o ops) ListChildren(ctx context.Context, parent DID) (_ []Child, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT child_scope, child_name, child_type
		FROM contents
		WHERE scope = ? AND name = ?
		ORDER BY child_scope, child_name
	`), parent.Scope, parent.Name)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var children []Child
	for rows.Next() {
		var child Child
		if err := rows.Scan(&child.Scope, &child.Name, &child.Type); err != nil {
			return nil, Error.Wrap(err)
		}
		children = append(children, child)
	}
	return children, nil
}

// ListParents returns the direct parents of an identifier.
func (o ops) ListParents(ctx context.Context, child DID) (_ []DID, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT scope, name
		FROM contents
		WHERE child_scope = ? AND child_name = ?
		ORDER BY scope, name
	`), child.Scope, child.Name)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var parents []DID
	for rows.Next() {
		var parent DID
		if err := rows.Scan(&parent.Scope, &parent.Name); err != nil {
			return nil, Error.Wrap(err)
		}
		parents = append(parents, parent)
	}
	return parents, nil
}

// listAncestors returns the transitive parents of an identifier as a set.
func (o ops) listAncestors(ctx context.Context, did DID) (_ map[DID]struct{}, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		WITH RECURSIVE ancestors ( scope, name ) AS (
			SELECT scope, name FROM contents
			WHERE child_scope = ? AND child_name = ?
			UNION
			SELECT c.scope, c.name FROM contents c
			JOIN ancestors a ON c.child_scope = a.scope AND c.child_name = a.name
		)
		SELECT scope, name FROM ancestors
	`), did.Scope, did.Name)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	ancestors := map[DID]struct{}{}
	for rows.Next() {
		var parent DID
		if err := rows.Scan(&parent.Scope, &parent.Name); err != nil {
			return nil, Error.Wrap(err)
		}
		ancestors[parent] = struct{}{}
	}
	return ancestors, nil
}

// ListAncestors returns the transitive parents of an identifier.
func (o ops) ListAncestors(ctx context.Context, did DID) (_ []DID, err error) {
	set, err := o.listAncestors(ctx, did)
	if err != nil {
		return nil, err
	}
	ancestors := make([]DID, 0, len(set))
	for parent := range set {
		ancestors = append(ancestors, parent)
	}
	return ancestors, nil
}

// ListFiles resolves an identifier recursively to its leaf files. A file
// resolves to itself.
func (o ops) ListFiles(ctx context.Context, root DID) (_ []File, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := o.GetDID(ctx, root)
	if err != nil {
		return nil, err
	}
	if entry.Type == DIDFile {
		return []File{{DID: entry.DID, Bytes: entry.Bytes, Adler32: entry.Adler32, MD5: entry.MD5}}, nil
	}

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		WITH RECURSIVE tree ( scope, name, did_type ) AS (
			SELECT child_scope, child_name, child_type FROM contents
			WHERE scope = ? AND name = ?
			UNION
			SELECT c.child_scope, c.child_name, c.child_type FROM contents c
			JOIN tree t ON c.scope = t.scope AND c.name = t.name
		)
		SELECT d.scope, d.name, d.bytes, d.adler32, d.md5
		FROM tree JOIN dids d ON d.scope = tree.scope AND d.name = tree.name
		WHERE tree.did_type = ?
		ORDER BY d.scope, d.name
	`), root.Scope, root.Name, DIDFile)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var files []File
	for rows.Next() {
		var file File
		if err := rows.Scan(&file.Scope, &file.Name, &file.Bytes, &file.Adler32, &file.MD5); err != nil {
			return nil, Error.Wrap(err)
		}
		files = append(files, file)
	}
	return files, nil
}

// ListDatasets resolves an identifier to the datasets it covers. A dataset
// resolves to itself; a file resolves to nothing.
func (o ops) ListDatasets(ctx context.Context, root DID) (_ []DID, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := o.GetDID(ctx, root)
	if err != nil {
		return nil, err
	}
	switch entry.Type {
	case DIDFile:
		return nil, nil
	case DIDDataset:
		return []DID{entry.DID}, nil
	}

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		WITH RECURSIVE tree ( scope, name, did_type ) AS (
			SELECT child_scope, child_name, child_type FROM contents
			WHERE scope = ? AND name = ?
			UNION
			SELECT c.child_scope, c.child_name, c.child_type FROM contents c
			JOIN tree t ON c.scope = t.scope AND c.name = t.name
		)
		SELECT scope, name FROM tree WHERE did_type = ?
		ORDER BY scope, name
	`), root.Scope, root.Name, DIDDataset)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var datasets []DID
	for rows.Next() {
		var did DID
		if err := rows.Scan(&did.Scope, &did.Name); err != nil {
			return nil, Error.Wrap(err)
		}
		datasets = append(datasets, did)
	}
	return datasets, nil
}

// insertUpdatedDID records a containment change for the rule evaluator.
func (tx *Tx) insertUpdatedDID(ctx context.Context, did DID, action UpdatedDIDAction) error {
	id, err := uuid.New()
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		INSERT INTO updated_dids ( id, scope, name, action, shard_hash, created_at )
		VALUES ( ?, ?, ?, ?, ?, ? )
	`), id.String(), did.Scope, did.Name, action, ShardHash(did.String()), tx.now().UTC())
	return Error.Wrap(err)
}
