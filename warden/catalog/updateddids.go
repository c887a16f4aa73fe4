// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"time"

	"storj.io/common/uuid"
)

// UpdatedDID is one containment change awaiting rule re-evaluation.
type UpdatedDID struct {
	ID uuid.UUID
	DID
	Action    UpdatedDIDAction
	CreatedAt time.Time
}

// ListUpdatedDIDs returns the re-evaluation backlog oldest first, restricted
// to the worker's partition.
func (o ops) ListUpdatedDIDs(ctx context.Context, limit int, part Partition) (_ []UpdatedDID, err error) {
	defer mon.Task()(&ctx)(&err)

	if part.Total <= 0 {
		part = All
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT id, scope, name, action, created_at FROM updated_dids
		WHERE shard_hash % ? = ?
		ORDER BY created_at, id
		LIMIT ?
	`), part.Total, part.Index, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var updates []UpdatedDID
	for rows.Next() {
		var update UpdatedDID
		var id string
		if err := rows.Scan(&id, &update.Scope, &update.Name, &update.Action, &update.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		if update.ID, err = parseUUID(id); err != nil {
			return nil, err
		}
		updates = append(updates, update)
	}
	return updates, nil
}

// DeleteUpdatedDID removes a processed backlog entry.
func (o ops) DeleteUpdatedDID(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = o.q.ExecContext(ctx, o.rebind(`
		DELETE FROM updated_dids WHERE id = ?
	`), id.String())
	return Error.Wrap(err)
}

// RequeueUpdatedDID pushes a contended backlog entry to the back of the
// queue.
func (o ops) RequeueUpdatedDID(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = o.q.ExecContext(ctx, o.rebind(`
		UPDATE updated_dids SET created_at = ? WHERE id = ?
	`), o.now().UTC(), id.String())
	return Error.Wrap(err)
}
