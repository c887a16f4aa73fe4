// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"time"
)

// Heartbeat is one live worker of an executable.
type Heartbeat struct {
	Executable string
	Hostname   string
	PID        int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertHeartbeat refreshes the liveness record of a worker.
func (o ops) UpsertHeartbeat(ctx context.Context, executable, hostname string, pid int) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := o.now().UTC()
	_, err = o.q.ExecContext(ctx, o.rebind(`
		INSERT INTO heartbeats ( executable, hostname, pid, created_at, updated_at )
		VALUES ( ?, ?, ?, ?, ? )
		ON CONFLICT ( executable, hostname, pid ) DO UPDATE SET
			updated_at = excluded.updated_at
	`), executable, hostname, pid, now, now)
	return Error.Wrap(err)
}

// ListLiveHeartbeats returns the workers of an executable seen since the
// cutoff, in the stable (hostname, pid) order used for shard assignment.
func (o ops) ListLiveHeartbeats(ctx context.Context, executable string, since time.Time) (_ []Heartbeat, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT executable, hostname, pid, created_at, updated_at
		FROM heartbeats
		WHERE executable = ? AND updated_at >= ?
		ORDER BY hostname, pid
	`), executable, since.UTC())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var beats []Heartbeat
	for rows.Next() {
		var beat Heartbeat
		err := rows.Scan(&beat.Executable, &beat.Hostname, &beat.PID,
			&beat.CreatedAt, &beat.UpdatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		beats = append(beats, beat)
	}
	return beats, nil
}

// DeleteStaleHeartbeats removes workers not seen since the cutoff.
func (o ops) DeleteStaleHeartbeats(ctx context.Context, before time.Time) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := o.q.ExecContext(ctx, o.rebind(`
		DELETE FROM heartbeats WHERE updated_at < ?
	`), before.UTC())
	if err != nil {
		return 0, Error.Wrap(err)
	}
	deleted, err = result.RowsAffected()
	return deleted, Error.Wrap(err)
}
