// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"database/sql"
	"time"

	"storj.io/common/uuid"
)

// Usage is a (files, bytes) aggregate.
type Usage struct {
	Files int64
	Bytes int64
}

// QueueAccountCounterDelta enqueues an eventually consistent account usage
// delta for the reducer.
func (o ops) QueueAccountCounterDelta(ctx context.Context, account string, rseID uuid.UUID, files, bytes int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	id, err := uuid.New()
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = o.q.ExecContext(ctx, o.rebind(`
		INSERT INTO updated_account_counters ( id, account, rse_id, files, bytes, created_at )
		VALUES ( ?, ?, ?, ?, ?, ? )
	`), id.String(), account, rseID.String(), files, bytes, o.now().UTC())
	return Error.Wrap(err)
}

// QueueRSECounterDelta enqueues an eventually consistent RSE usage delta for
// the reducer.
func (o ops) QueueRSECounterDelta(ctx context.Context, rseID uuid.UUID, files, bytes int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	id, err := uuid.New()
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = o.q.ExecContext(ctx, o.rebind(`
		INSERT INTO updated_rse_counters ( id, rse_id, files, bytes, created_at )
		VALUES ( ?, ?, ?, ?, ? )
	`), id.String(), rseID.String(), files, bytes, o.now().UTC())
	return Error.Wrap(err)
}

// CounterKey identifies one pending counter fold target.
type CounterKey struct {
	Account string
	RSEID   uuid.UUID
}

// ListPendingCounterKeys returns the distinct keys with unapplied account
// deltas.
func (o ops) ListPendingCounterKeys(ctx context.Context, limit int) (_ []CounterKey, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}
	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT DISTINCT account, rse_id FROM updated_account_counters
		ORDER BY account, rse_id
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var keys []CounterKey
	for rows.Next() {
		var key CounterKey
		var rseID string
		if err := rows.Scan(&key.Account, &rseID); err != nil {
			return nil, Error.Wrap(err)
		}
		if key.RSEID, err = parseUUID(rseID); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ListPendingRSECounterIDs returns the distinct elements with unapplied RSE
// deltas.
func (o ops) ListPendingRSECounterIDs(ctx context.Context, limit int) (_ []uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}
	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT DISTINCT rse_id FROM updated_rse_counters
		ORDER BY rse_id
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, Error.Wrap(err)
		}
		id, err := parseUUID(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FoldAccountCounter applies and removes every pending delta of one
// (account, rse) key.
func (tx *Tx) FoldAccountCounter(ctx context.Context, key CounterKey) (err error) {
	defer mon.Task()(&ctx)(&err)

	var files, bytes sql.NullInt64
	err = tx.q.QueryRowContext(ctx, tx.rebind(`
		SELECT SUM(files), SUM(bytes) FROM updated_account_counters
		WHERE account = ? AND rse_id = ?
	`), key.Account, key.RSEID.String()).Scan(&files, &bytes)
	if err != nil {
		return Error.Wrap(err)
	}
	if !files.Valid {
		return nil
	}

	now := tx.now().UTC()
	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		INSERT INTO account_counters ( account, rse_id, files, bytes, updated_at )
		VALUES ( ?, ?, ?, ?, ? )
		ON CONFLICT ( account, rse_id ) DO UPDATE SET
			files = account_counters.files + excluded.files,
			bytes = account_counters.bytes + excluded.bytes,
			updated_at = excluded.updated_at
	`), key.Account, key.RSEID.String(), files.Int64, bytes.Int64, now)
	if err != nil {
		return Error.Wrap(err)
	}

	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		DELETE FROM updated_account_counters WHERE account = ? AND rse_id = ?
	`), key.Account, key.RSEID.String())
	return Error.Wrap(err)
}

// FoldRSECounter applies and removes every pending delta of one element.
func (tx *Tx) FoldRSECounter(ctx context.Context, rseID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	var files, bytes sql.NullInt64
	err = tx.q.QueryRowContext(ctx, tx.rebind(`
		SELECT SUM(files), SUM(bytes) FROM updated_rse_counters WHERE rse_id = ?
	`), rseID.String()).Scan(&files, &bytes)
	if err != nil {
		return Error.Wrap(err)
	}
	if !files.Valid {
		return nil
	}

	now := tx.now().UTC()
	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		INSERT INTO rse_counters ( rse_id, files, bytes, updated_at )
		VALUES ( ?, ?, ?, ? )
		ON CONFLICT ( rse_id ) DO UPDATE SET
			files = rse_counters.files + excluded.files,
			bytes = rse_counters.bytes + excluded.bytes,
			updated_at = excluded.updated_at
	`), rseID.String(), files.Int64, bytes.Int64, now)
	if err != nil {
		return Error.Wrap(err)
	}

	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		DELETE FROM updated_rse_counters WHERE rse_id = ?
	`), rseID.String())
	return Error.Wrap(err)
}

// GetAccountUsage returns the folded account usage on an element plus its
// still pending deltas, the figure rule admission charges quota against.
func (o ops) GetAccountUsage(ctx context.Context, account string, rseID uuid.UUID) (_ Usage, err error) {
	defer mon.Task()(&ctx)(&err)

	var usage Usage
	var files, bytes sql.NullInt64
	err = o.q.QueryRowContext(ctx, o.rebind(`
		SELECT files, bytes FROM account_counters WHERE account = ? AND rse_id = ?
	`), account, rseID.String()).Scan(&files, &bytes)
	if err != nil && err != sql.ErrNoRows {
		return Usage{}, Error.Wrap(err)
	}
	usage.Files += files.Int64
	usage.Bytes += bytes.Int64

	err = o.q.QueryRowContext(ctx, o.rebind(`
		SELECT SUM(files), SUM(bytes) FROM updated_account_counters
		WHERE account = ? AND rse_id = ?
	`), account, rseID.String()).Scan(&files, &bytes)
	if err != nil {
		return Usage{}, Error.Wrap(err)
	}
	usage.Files += files.Int64
	usage.Bytes += bytes.Int64
	return usage, nil
}

// GetRSECounter returns the folded usage of an element.
func (o ops) GetRSECounter(ctx context.Context, rseID uuid.UUID) (_ Usage, updatedAt time.Time, err error) {
	defer mon.Task()(&ctx)(&err)

	var usage Usage
	err = o.q.QueryRowContext(ctx, o.rebind(`
		SELECT files, bytes, updated_at FROM rse_counters WHERE rse_id = ?
	`), rseID.String()).Scan(&usage.Files, &usage.Bytes, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Usage{}, time.Time{}, nil
		}
		return Usage{}, time.Time{}, Error.Wrap(err)
	}
	return usage, updatedAt, nil
}
