// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"database/sql"
	"time"

	"storj.io/common/uuid"
)

// Replica is the physical copy of a file on a storage element.
type Replica struct {
	RSEID uuid.UUID
	DID
	State   ReplicaState
	Bytes   int64
	Adler32 string
	MD5     string

	// Path is set for replicas on non-deterministic elements.
	Path *string

	// Tombstone marks the replica eligible for the reaper. Only settable
	// while no lock pins the replica.
	Tombstone *time.Time

	LockCnt int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddReplica describes one replica for Tx.AddReplicas.
type AddReplica struct {
	DID
	State   ReplicaState
	Bytes   int64
	Adler32 string
	MD5     string
	Path    *string
}

// AddReplicas registers replicas on a storage element and queues the usage
// counter deltas.
func (tx *Tx) AddReplicas(ctx context.Context, rseID uuid.UUID, account string, replicas []AddReplica) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(replicas) == 0 {
		return nil
	}
	if _, err := tx.GetRSE(ctx, rseID); err != nil {
		return err
	}

	now := tx.now().UTC()
	var bytes int64
	for _, replica := range replicas {
		_, err := tx.q.ExecContext(ctx, tx.rebind(`
			INSERT INTO replicas (
				rse_id, scope, name, state, bytes, adler32, md5, path,
				lock_cnt, created_at, updated_at
			) VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ? )
		`),
			rseID.String(), replica.Scope, replica.Name, replica.State,
			replica.Bytes, replica.Adler32, replica.MD5, replica.Path,
			now, now)
		if err != nil {
			if tx.isUniqueViolation(err) {
				return ErrDuplicate.New("replica %s on %s", replica.DID, rseID)
			}
			return Error.Wrap(err)
		}
		bytes += replica.Bytes
	}

	if err := tx.QueueRSECounterDelta(ctx, rseID, int64(len(replicas)), bytes); err != nil {
		return err
	}
	if account != "" {
		return tx.QueueAccountCounterDelta(ctx, account, rseID, int64(len(replicas)), bytes)
	}
	return nil
}

func scanReplica(row interface{ Scan(...interface{}) error }) (Replica, error) {
	var replica Replica
	var rseID string
	var path sql.NullString
	var tombstone sql.NullTime
	err := row.Scan(&rseID, &replica.Scope, &replica.Name, &replica.State,
		&replica.Bytes, &replica.Adler32, &replica.MD5, &path, &tombstone,
		&replica.LockCnt, &replica.CreatedAt, &replica.UpdatedAt)
	if err != nil {
		return Replica{}, err
	}
	if path.Valid {
		replica.Path = &path.String
	}
	if tombstone.Valid {
		replica.Tombstone = &tombstone.Time
	}
	replica.RSEID, err = parseUUID(rseID)
	return replica, err
}

const replicaColumns = `rse_id, scope, name, state, bytes, adler32, md5, path, tombstone,
	lock_cnt, created_at, updated_at`

// GetReplica returns the replica of a file on a storage element.
func (o ops) GetReplica(ctx context.Context, rseID uuid.UUID, did DID) (_ Replica, err error) {
	defer mon.Task()(&ctx)(&err)

	replica, err := scanReplica(o.q.QueryRowContext(ctx, o.rebind(`
		SELECT `+replicaColumns+`
		FROM replicas WHERE rse_id = ? AND scope = ? AND name = ?
	`), rseID.String(), did.Scope, did.Name))
	if err != nil {
		if err == sql.ErrNoRows {
			return Replica{}, ErrReplicaNotFound.New("%s on %s", did, rseID)
		}
		return Replica{}, Error.Wrap(err)
	}
	return replica, nil
}

// ListReplicas returns every replica of a file across storage elements.
func (o ops) ListReplicas(ctx context.Context, did DID) (_ []Replica, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT `+replicaColumns+`
		FROM replicas WHERE scope = ? AND name = ?
		ORDER BY rse_id
	`), did.Scope, did.Name)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var replicas []Replica
	for rows.Next() {
		replica, err := scanReplica(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		replicas = append(replicas, replica)
	}
	return replicas, nil
}

// ListDatasetReplicaRSEs returns the storage elements holding at least one
// available replica of the dataset's files.
func (o ops) ListDatasetReplicaRSEs(ctx context.Context, dataset DID) (_ []uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT DISTINCT r.rse_id
		FROM contents c
		JOIN replicas r ON r.scope = c.child_scope AND r.name = c.child_name
		WHERE c.scope = ? AND c.name = ? AND r.state = ?
		ORDER BY r.rse_id
	`), dataset.Scope, dataset.Name, ReplicaAvailable)
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

// ReplicaStateUpdate names one replica and its target state.
type ReplicaStateUpdate struct {
	RSEID uuid.UUID
	DID
	State ReplicaState
}

// UpdateReplicaState transitions a single replica.
func (tx *Tx) UpdateReplicaState(ctx context.Context, update ReplicaStateUpdate, nowait bool) (err error) {
	defer mon.Task()(&ctx)(&err)
	return tx.updateReplicaState(ctx, update, nowait)
}

// UpdateReplicasStates atomically transitions a batch of replicas. When any
// replica is missing the whole batch fails with ErrReplicaNotFound and the
// caller falls back to one-by-one handling.
func (tx *Tx) UpdateReplicasStates(ctx context.Context, updates []ReplicaStateUpdate, nowait bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, update := range updates {
		if err := tx.updateReplicaState(ctx, update, nowait); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) updateReplicaState(ctx context.Context, update ReplicaStateUpdate, nowait bool) error {
	if suffix := tx.forUpdate(nowait); suffix != "" {
		var one int
		err := tx.q.QueryRowContext(ctx, tx.rebind(`
			SELECT 1 FROM replicas WHERE rse_id = ? AND scope = ? AND name = ?
		`)+suffix, update.RSEID.String(), update.Scope, update.Name).Scan(&one)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrReplicaNotFound.New("%s on %s", update.DID, update.RSEID)
			}
			return tx.withContention(Error.Wrap(err))
		}
	}

	result, err := tx.q.ExecContext(ctx, tx.rebind(`
		UPDATE replicas SET state = ?, updated_at = ?
		WHERE rse_id = ? AND scope = ? AND name = ?
	`), update.State, tx.now().UTC(), update.RSEID.String(), update.Scope, update.Name)
	if err != nil {
		return tx.withContention(Error.Wrap(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrReplicaNotFound.New("%s on %s", update.DID, update.RSEID)
	}
	return nil
}

// SetReplicaPath stores the physical path of a replica on a
// non-deterministic storage element.
func (o ops) SetReplicaPath(ctx context.Context, rseID uuid.UUID, did DID, path string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := o.q.ExecContext(ctx, o.rebind(`
		UPDATE replicas SET path = ?, updated_at = ?
		WHERE rse_id = ? AND scope = ? AND name = ?
	`), path, o.now().UTC(), rseID.String(), did.Scope, did.Name)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrReplicaNotFound.New("%s on %s", did, rseID)
	}
	return nil
}

// TombstoneReplicaIfUnlocked marks an unpinned replica eligible for the
// reaper. The guard on lock_cnt keeps the tombstone invariant even when
// another rule grabbed the replica concurrently.
func (tx *Tx) TombstoneReplicaIfUnlocked(ctx context.Context, rseID uuid.UUID, did DID) error {
	_, err := tx.q.ExecContext(ctx, tx.rebind(`
		UPDATE replicas SET tombstone = ?, updated_at = ?
		WHERE rse_id = ? AND scope = ? AND name = ? AND lock_cnt = 0
	`), tx.now().UTC(), tx.now().UTC(), rseID.String(), did.Scope, did.Name)
	return Error.Wrap(err)
}
