// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"time"

	"storj.io/common/uuid"
)

// Lock asserts that a file replica on a storage element is required by a
// rule. Every lock pins the underlying replica through its lock_cnt.
type Lock struct {
	RuleID uuid.UUID
	RSEID  uuid.UUID
	DID
	State LockState
	Bytes int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DatasetLock is the collection-level companion of file locks for rules with
// DATASET or ALL grouping.
type DatasetLock struct {
	RuleID uuid.UUID
	RSEID  uuid.UUID
	DID
	State LockState
}

// CreateLock inserts a lock and pins the replica: lock_cnt goes up and any
// tombstone is cleared.
func (tx *Tx) CreateLock(ctx context.Context, lock Lock) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := tx.now().UTC()
	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		INSERT INTO locks ( rule_id, rse_id, scope, name, state, bytes, created_at, updated_at )
		VALUES ( ?, ?, ?, ?, ?, ?, ?, ? )
	`), lock.RuleID.String(), lock.RSEID.String(), lock.Scope, lock.Name,
		lock.State, lock.Bytes, now, now)
	if err != nil {
		if tx.isUniqueViolation(err) {
			return ErrDuplicate.New("lock for rule %s on %s at %s", lock.RuleID, lock.DID, lock.RSEID)
		}
		return Error.Wrap(err)
	}

	result, err := tx.q.ExecContext(ctx, tx.rebind(`
		UPDATE replicas SET lock_cnt = lock_cnt + 1, tombstone = NULL, updated_at = ?
		WHERE rse_id = ? AND scope = ? AND name = ?
	`), now, lock.RSEID.String(), lock.Scope, lock.Name)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrReplicaNotFound.New("%s on %s", lock.DID, lock.RSEID)
	}
	return nil
}

// DeleteLock removes a lock and unpins the replica, returning the remaining
// lock count so that the caller can decide about tombstoning.
func (tx *Tx) DeleteLock(ctx context.Context, ruleID, rseID uuid.UUID, did DID) (remaining int, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := tx.q.ExecContext(ctx, tx.rebind(`
		DELETE FROM locks WHERE rule_id = ? AND rse_id = ? AND scope = ? AND name = ?
	`), ruleID.String(), rseID.String(), did.Scope, did.Name)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if affected == 0 {
		return 0, Error.New("lock for rule %s on %s at %s does not exist", ruleID, did, rseID)
	}

	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		UPDATE replicas SET lock_cnt = lock_cnt - 1, updated_at = ?
		WHERE rse_id = ? AND scope = ? AND name = ? AND lock_cnt > 0
	`), tx.now().UTC(), rseID.String(), did.Scope, did.Name)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	err = tx.q.QueryRowContext(ctx, tx.rebind(`
		SELECT lock_cnt FROM replicas WHERE rse_id = ? AND scope = ? AND name = ?
	`), rseID.String(), did.Scope, did.Name).Scan(&remaining)
	return remaining, Error.Wrap(err)
}

// SetLockState transitions one lock.
func (tx *Tx) SetLockState(ctx context.Context, ruleID, rseID uuid.UUID, did DID, state LockState) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := tx.q.ExecContext(ctx, tx.rebind(`
		UPDATE locks SET state = ?, updated_at = ?
		WHERE rule_id = ? AND rse_id = ? AND scope = ? AND name = ?
	`), state, tx.now().UTC(), ruleID.String(), rseID.String(), did.Scope, did.Name)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return Error.New("lock for rule %s on %s at %s does not exist", ruleID, did, rseID)
	}
	return nil
}

func scanLock(row interface{ Scan(...interface{}) error }) (Lock, error) {
	var lock Lock
	var ruleID, rseID string
	err := row.Scan(&ruleID, &rseID, &lock.Scope, &lock.Name, &lock.State,
		&lock.Bytes, &lock.CreatedAt, &lock.UpdatedAt)
	if err != nil {
		return Lock{}, err
	}
	if lock.RuleID, err = parseUUID(ruleID); err != nil {
		return Lock{}, err
	}
	lock.RSEID, err = parseUUID(rseID)
	return lock, err
}

const lockColumns = `rule_id, rse_id, scope, name, state, bytes, created_at, updated_at`

// ListRuleLocks returns all locks owned by a rule.
func (o ops) ListRuleLocks(ctx context.Context, ruleID uuid.UUID) (_ []Lock, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT `+lockColumns+` FROM locks WHERE rule_id = ?
		ORDER BY scope, name, rse_id
	`), ruleID.String())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	return scanLocks(rows)
}

// ListReplicaLocks returns the locks pointing at one replica, across rules.
func (o ops) ListReplicaLocks(ctx context.Context, rseID uuid.UUID, did DID) (_ []Lock, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT `+lockColumns+` FROM locks
		WHERE scope = ? AND name = ? AND rse_id = ?
		ORDER BY rule_id
	`), did.Scope, did.Name, rseID.String())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	return scanLocks(rows)
}

func scanLocks(rows interface {
	Next() bool
	Scan(...interface{}) error
}) ([]Lock, error) {
	var locks []Lock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

// CreateDatasetLock inserts a collection-level lock.
func (tx *Tx) CreateDatasetLock(ctx context.Context, lock DatasetLock) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := tx.now().UTC()
	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		INSERT INTO dataset_locks ( rule_id, rse_id, scope, name, state, created_at, updated_at )
		VALUES ( ?, ?, ?, ?, ?, ?, ? )
	`), lock.RuleID.String(), lock.RSEID.String(), lock.Scope, lock.Name, lock.State, now, now)
	if err != nil {
		if tx.isUniqueViolation(err) {
			// already held from an earlier evaluation of the same rule
			return nil
		}
		return Error.Wrap(err)
	}
	return nil
}

// SetDatasetLockState transitions one collection-level lock.
func (tx *Tx) SetDatasetLockState(ctx context.Context, ruleID, rseID uuid.UUID, did DID, state LockState) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		UPDATE dataset_locks SET state = ?, updated_at = ?
		WHERE rule_id = ? AND rse_id = ? AND scope = ? AND name = ?
	`), state, tx.now().UTC(), ruleID.String(), rseID.String(), did.Scope, did.Name)
	return Error.Wrap(err)
}

// DeleteRuleDatasetLocks removes all collection-level locks of a rule.
func (tx *Tx) DeleteRuleDatasetLocks(ctx context.Context, ruleID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		DELETE FROM dataset_locks WHERE rule_id = ?
	`), ruleID.String())
	return Error.Wrap(err)
}

// ListRuleDatasetLocks returns the collection-level locks of a rule.
func (o ops) ListRuleDatasetLocks(ctx context.Context, ruleID uuid.UUID) (_ []DatasetLock, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT rule_id, rse_id, scope, name, state
		FROM dataset_locks WHERE rule_id = ?
		ORDER BY scope, name, rse_id
	`), ruleID.String())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var locks []DatasetLock
	for rows.Next() {
		var lock DatasetLock
		var ruleID, rseID string
		if err := rows.Scan(&ruleID, &rseID, &lock.Scope, &lock.Name, &lock.State); err != nil {
			return nil, Error.Wrap(err)
		}
		if lock.RuleID, err = parseUUID(ruleID); err != nil {
			return nil, err
		}
		if lock.RSEID, err = parseUUID(rseID); err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, nil
}
