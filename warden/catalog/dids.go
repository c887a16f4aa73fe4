// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// DIDEntry is a stored data identifier.
type DIDEntry struct {
	DID
	Type    DIDType
	Account string

	// collection flags; meaningless for files
	IsOpen    bool
	Monotonic bool

	// IsNew marks identifiers that await subscription matching.
	IsNew bool

	// file payload; zero for collections
	Bytes   int64
	Adler32 string
	MD5     string

	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddDID is the argument set for Tx.AddDID.
type AddDID struct {
	DID
	Type    DIDType
	Account string

	Monotonic bool

	Bytes   int64
	Adler32 string
	MD5     string

	Metadata map[string]string
}

// Verify checks the argument invariants.
func (opts AddDID) Verify() error {
	switch {
	case opts.Scope == "":
		return Error.New("scope missing")
	case opts.Name == "":
		return Error.New("name missing")
	case opts.Account == "":
		return Error.New("account missing")
	}
	switch opts.Type {
	case DIDFile:
		if opts.Bytes < 0 {
			return Error.New("negative file size %d", opts.Bytes)
		}
		if opts.Monotonic {
			return Error.New("files cannot be monotonic")
		}
	case DIDDataset, DIDContainer:
		if opts.Bytes != 0 || opts.Adler32 != "" || opts.MD5 != "" {
			return Error.New("collections carry no file payload")
		}
	default:
		return Error.New("invalid did type %q", opts.Type)
	}
	return nil
}

// AddDID registers a data identifier in an existing scope. Collections start
// open; every identifier starts new, awaiting subscription matching.
func (tx *Tx) AddDID(ctx context.Context, opts AddDID) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return err
	}
	if _, err := tx.GetScope(ctx, opts.Scope); err != nil {
		return err
	}

	metadata, err := encodeMetadata(opts.Metadata)
	if err != nil {
		return err
	}

	now := tx.now().UTC()
	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		INSERT INTO dids (
			scope, name, did_type, account,
			is_open, monotonic, is_new,
			bytes, adler32, md5, metadata,
			shard_hash, created_at, updated_at
		) VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? )
	`),
		opts.Scope, opts.Name, opts.Type, opts.Account,
		opts.Type.IsCollection(), opts.Monotonic, true,
		opts.Bytes, opts.Adler32, opts.MD5, metadata,
		ShardHash(opts.DID.String()), now, now)
	if err != nil {
		if tx.isUniqueViolation(err) {
			return ErrDuplicate.New("did %s", opts.DID)
		}
		return Error.Wrap(err)
	}
	return nil
}

// GetDID returns the stored identifier.
func (o ops) GetDID(ctx context.Context, did DID) (_ DIDEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	var entry DIDEntry
	var metadata string
	err = o.q.QueryRowContext(ctx, o.rebind(`
		SELECT scope, name, did_type, account,
			is_open, monotonic, is_new,
			bytes, adler32, md5, metadata,
			created_at, updated_at
		FROM dids
		WHERE scope = ? AND name = ?
	`), did.Scope, did.Name).Scan(
		&entry.Scope, &entry.Name, &entry.Type, &entry.Account,
		&entry.IsOpen, &entry.Monotonic, &entry.IsNew,
		&entry.Bytes, &entry.Adler32, &entry.MD5, &metadata,
		&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return DIDEntry{}, ErrDataIdentifierNotFound.New("%s", did)
		}
		return DIDEntry{}, Error.Wrap(err)
	}

	entry.Metadata, err = decodeMetadata(metadata)
	if err != nil {
		return DIDEntry{}, err
	}
	return entry, nil
}

// CloseDID closes an open collection. Closed collections cannot be reopened
// and files cannot be closed; both fail with ErrUnsupportedStatus.
func (tx *Tx) CloseDID(ctx context.Context, did DID) (err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := tx.GetDID(ctx, did)
	if err != nil {
		return err
	}
	if !entry.Type.IsCollection() {
		return ErrUnsupportedStatus.New("%s is a file and cannot be closed", did)
	}
	if !entry.IsOpen {
		return ErrUnsupportedStatus.New("%s is already closed", did)
	}

	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		UPDATE dids SET is_open = ?, updated_at = ?
		WHERE scope = ? AND name = ?
	`), false, tx.now().UTC(), did.Scope, did.Name)
	return Error.Wrap(err)
}

// SetDIDMetadata merges the given keys into the identifier's metadata.
func (tx *Tx) SetDIDMetadata(ctx context.Context, did DID, meta map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := tx.GetDID(ctx, did)
	if err != nil {
		return err
	}

	merged := make(map[string]string, len(entry.Metadata)+len(meta))
	for k, v := range entry.Metadata {
		merged[k] = v
	}
	for k, v := range meta {
		merged[k] = v
	}

	encoded, err := encodeMetadata(merged)
	if err != nil {
		return err
	}
	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		UPDATE dids SET metadata = ?, updated_at = ?
		WHERE scope = ? AND name = ?
	`), encoded, tx.now().UTC(), did.Scope, did.Name)
	return Error.Wrap(err)
}

// GetDIDMetadata returns the identifier's metadata.
func (o ops) GetDIDMetadata(ctx context.Context, did DID) (_ map[string]string, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := o.GetDID(ctx, did)
	if err != nil {
		return nil, err
	}
	return entry.Metadata, nil
}

// ListNewDIDs returns identifiers awaiting subscription matching, oldest
// first, restricted to the worker's partition.
func (o ops) ListNewDIDs(ctx context.Context, limit int, part Partition) (_ []DIDEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT scope, name, did_type, account,
			is_open, monotonic, is_new,
			bytes, adler32, md5, metadata,
			created_at, updated_at
		FROM dids
		WHERE is_new AND shard_hash % ? = ?
		ORDER BY created_at
		LIMIT ?
	`), part.Total, part.Index, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var entries []DIDEntry
	for rows.Next() {
		var entry DIDEntry
		var metadata string
		err := rows.Scan(
			&entry.Scope, &entry.Name, &entry.Type, &entry.Account,
			&entry.IsOpen, &entry.Monotonic, &entry.IsNew,
			&entry.Bytes, &entry.Adler32, &entry.MD5, &metadata,
			&entry.CreatedAt, &entry.UpdatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		entry.Metadata, err = decodeMetadata(metadata)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SetDIDsProcessed clears the is_new flag so the identifiers are not matched
// again.
func (o ops) SetDIDsProcessed(ctx context.Context, dids []DID) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(dids) == 0 {
		return nil
	}

	now := o.now().UTC()
	var b strings.Builder
	args := make([]interface{}, 0, len(dids)*2+2)
	args = append(args, false, now)
	for i, did := range dids {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("( scope = ? AND name = ? )")
		args = append(args, did.Scope, did.Name)
	}

	_, err = o.q.ExecContext(ctx, o.rebind(`
		UPDATE dids SET is_new = ?, updated_at = ? WHERE `+b.String()),
		args...)
	return Error.Wrap(err)
}

// ListDIDsByMetadata returns collection identifiers whose metadata contains
// the given key/value pair. Used by the placement advisor.
func (o ops) ListDIDsByMetadata(ctx context.Context, key, value string) (_ []DID, err error) {
	defer mon.Task()(&ctx)(&err)

	// metadata is a flat JSON object; match on the encoded pair to keep the
	// query portable across backends.
	encoded, err := json.Marshal(map[string]string{key: value})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	fragment := strings.Trim(string(encoded), "{}")

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT scope, name FROM dids
		WHERE did_type <> ? AND metadata LIKE ?
		ORDER BY scope, name
	`), DIDFile, "%"+fragment+"%")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var dids []DID
	for rows.Next() {
		var did DID
		if err := rows.Scan(&did.Scope, &did.Name); err != nil {
			return nil, Error.Wrap(err)
		}
		dids = append(dids, did)
	}
	return dids, nil
}

func encodeMetadata(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return string(encoded), nil
}

func decodeMetadata(encoded string) (map[string]string, error) {
	meta := map[string]string{}
	if encoded == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(encoded), &meta); err != nil {
		return nil, Error.Wrap(err)
	}
	return meta, nil
}
