// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"storj.io/common/uuid"
)

// RSE is a storage element.
type RSE struct {
	ID            uuid.UUID
	Name          string
	Deterministic bool
	Volatile      bool
	Availability  int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanRead reports whether the element accepts reads.
func (rse RSE) CanRead() bool { return rse.Availability&AvailabilityRead != 0 }

// CanWrite reports whether the element accepts writes.
func (rse RSE) CanWrite() bool { return rse.Availability&AvailabilityWrite != 0 }

// CanDelete reports whether the element accepts deletions.
func (rse RSE) CanDelete() bool { return rse.Availability&AvailabilityDelete != 0 }

// RSEAttribute is a key/value pair attached to a storage element.
type RSEAttribute struct {
	RSEID uuid.UUID
	Key   string
	Value string
}

// Protocol is a per-RSE access protocol entry.
type Protocol struct {
	RSEID    uuid.UUID
	Scheme   string
	Hostname string
	Port     int
	Prefix   string
	Impl     string

	ReadPriority   int
	WritePriority  int
	DeletePriority int

	Extended map[string]string
}

// RSEUsage is the storage usage snapshot of an element.
type RSEUsage struct {
	RSEID     uuid.UUID
	Used      int64
	Free      int64
	UpdatedAt time.Time
}

// AddRSE is the argument set for Tx.AddRSE.
type AddRSE struct {
	Name          string
	Deterministic bool
	Volatile      bool
	Availability  int
}

// AddRSE registers a storage element and returns its id.
func (tx *Tx) AddRSE(ctx context.Context, opts AddRSE) (_ uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.Name == "" {
		return uuid.UUID{}, Error.New("rse name missing")
	}
	if opts.Availability < 0 || opts.Availability > AvailabilityAll {
		return uuid.UUID{}, Error.New("invalid availability %d", opts.Availability)
	}

	id, err := uuid.New()
	if err != nil {
		return uuid.UUID{}, Error.Wrap(err)
	}

	now := tx.now().UTC()
	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		INSERT INTO rses ( id, name, deterministic, volatile, availability, created_at, updated_at )
		VALUES ( ?, ?, ?, ?, ?, ?, ? )
	`), id.String(), opts.Name, opts.Deterministic, opts.Volatile, opts.Availability, now, now)
	if err != nil {
		if tx.isUniqueViolation(err) {
			return uuid.UUID{}, ErrDuplicate.New("rse %q", opts.Name)
		}
		return uuid.UUID{}, Error.Wrap(err)
	}

	// attribute mutations shift the expression evaluation base
	return id, tx.bumpAttributeGeneration(ctx)
}

// SetRSEAvailability updates the availability bitmask.
func (tx *Tx) SetRSEAvailability(ctx context.Context, id uuid.UUID, availability int) (err error) {
	defer mon.Task()(&ctx)(&err)

	if availability < 0 || availability > AvailabilityAll {
		return Error.New("invalid availability %d", availability)
	}
	result, err := tx.q.ExecContext(ctx, tx.rebind(`
		UPDATE rses SET availability = ?, updated_at = ? WHERE id = ?
	`), availability, tx.now().UTC(), id.String())
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrRSENotFound.New("%s", id)
	}
	return tx.bumpAttributeGeneration(ctx)
}

func scanRSE(row interface{ Scan(...interface{}) error }) (RSE, error) {
	var rse RSE
	var id string
	err := row.Scan(&id, &rse.Name, &rse.Deterministic, &rse.Volatile,
		&rse.Availability, &rse.CreatedAt, &rse.UpdatedAt)
	if err != nil {
		return RSE{}, err
	}
	rse.ID, err = parseUUID(id)
	return rse, err
}

// GetRSE returns the storage element by id.
func (o ops) GetRSE(ctx context.Context, id uuid.UUID) (_ RSE, err error) {
	defer mon.Task()(&ctx)(&err)

	rse, err := scanRSE(o.q.QueryRowContext(ctx, o.rebind(`
		SELECT id, name, deterministic, volatile, availability, created_at, updated_at
		FROM rses WHERE id = ?
	`), id.String()))
	if err != nil {
		if err == sql.ErrNoRows {
			return RSE{}, ErrRSENotFound.New("%s", id)
		}
		return RSE{}, Error.Wrap(err)
	}
	return rse, nil
}

// GetRSEByName returns the storage element by name.
func (o ops) GetRSEByName(ctx context.Context, name string) (_ RSE, err error) {
	defer mon.Task()(&ctx)(&err)

	rse, err := scanRSE(o.q.QueryRowContext(ctx, o.rebind(`
		SELECT id, name, deterministic, volatile, availability, created_at, updated_at
		FROM rses WHERE name = ?
	`), name))
	if err != nil {
		if err == sql.ErrNoRows {
			return RSE{}, ErrRSENotFound.New("%q", name)
		}
		return RSE{}, Error.Wrap(err)
	}
	return rse, nil
}

// ListRSEs returns all storage elements ordered by name.
func (o ops) ListRSEs(ctx context.Context) (_ []RSE, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, `
		SELECT id, name, deterministic, volatile, availability, created_at, updated_at
		FROM rses ORDER BY name
	`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var rses []RSE
	for rows.Next() {
		rse, err := scanRSE(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		rses = append(rses, rse)
	}
	return rses, nil
}

// AddRSEAttribute attaches a key/value pair to a storage element.
func (tx *Tx) AddRSEAttribute(ctx context.Context, id uuid.UUID, key, value string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if key == "" {
		return Error.New("attribute key missing")
	}
	if _, err := tx.GetRSE(ctx, id); err != nil {
		return err
	}

	now := tx.now().UTC()
	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		INSERT INTO rse_attributes ( rse_id, key, value, created_at, updated_at )
		VALUES ( ?, ?, ?, ?, ? )
	`), id.String(), key, value, now, now)
	if err != nil {
		if tx.isUniqueViolation(err) {
			return ErrDuplicate.New("attribute %q on rse %s", key, id)
		}
		return Error.Wrap(err)
	}
	return tx.bumpAttributeGeneration(ctx)
}

// DeleteRSEAttribute removes a key from a storage element.
func (tx *Tx) DeleteRSEAttribute(ctx context.Context, id uuid.UUID, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := tx.q.ExecContext(ctx, tx.rebind(`
		DELETE FROM rse_attributes WHERE rse_id = ? AND key = ?
	`), id.String(), key)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return Error.New("attribute %q not set on rse %s", key, id)
	}
	return tx.bumpAttributeGeneration(ctx)
}

// GetRSEAttributes returns the attributes of one storage element.
func (o ops) GetRSEAttributes(ctx context.Context, id uuid.UUID) (_ map[string]string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT key, value FROM rse_attributes WHERE rse_id = ?
	`), id.String())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	attributes := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, Error.Wrap(err)
		}
		attributes[key] = value
	}
	return attributes, nil
}

// ListRSEAttributes returns the whole attribute relation, the evaluation base
// of the expression evaluator.
func (o ops) ListRSEAttributes(ctx context.Context) (_ []RSEAttribute, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, `
		SELECT rse_id, key, value FROM rse_attributes ORDER BY rse_id, key
	`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var attributes []RSEAttribute
	for rows.Next() {
		var attribute RSEAttribute
		var id string
		if err := rows.Scan(&id, &attribute.Key, &attribute.Value); err != nil {
			return nil, Error.Wrap(err)
		}
		attribute.RSEID, err = parseUUID(id)
		if err != nil {
			return nil, err
		}
		attributes = append(attributes, attribute)
	}
	return attributes, nil
}

// AttributeGeneration returns the counter bumped by every attribute
// mutation. Evaluator caches are valid only within one generation.
func (o ops) AttributeGeneration(ctx context.Context) (generation int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = o.q.QueryRowContext(ctx,
		`SELECT generation FROM rse_attribute_generation WHERE id = 1`,
	).Scan(&generation)
	return generation, Error.Wrap(err)
}

func (tx *Tx) bumpAttributeGeneration(ctx context.Context) error {
	_, err := tx.q.ExecContext(ctx,
		`UPDATE rse_attribute_generation SET generation = generation + 1 WHERE id = 1`)
	return Error.Wrap(err)
}

// AddProtocol registers an access protocol on a storage element.
func (tx *Tx) AddProtocol(ctx context.Context, protocol Protocol) (err error) {
	defer mon.Task()(&ctx)(&err)

	if protocol.Scheme == "" {
		return Error.New("protocol scheme missing")
	}
	if _, err := tx.GetRSE(ctx, protocol.RSEID); err != nil {
		return err
	}

	extended, err := json.Marshal(protocol.Extended)
	if err != nil {
		return Error.Wrap(err)
	}
	if protocol.Extended == nil {
		extended = []byte("{}")
	}

	now := tx.now().UTC()
	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		INSERT INTO rse_protocols (
			rse_id, scheme, hostname, port, prefix, impl,
			read_priority, write_priority, delete_priority, extended,
			created_at, updated_at
		) VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? )
	`),
		protocol.RSEID.String(), protocol.Scheme, protocol.Hostname, protocol.Port,
		protocol.Prefix, protocol.Impl,
		protocol.ReadPriority, protocol.WritePriority, protocol.DeletePriority,
		string(extended), now, now)
	if err != nil {
		if tx.isUniqueViolation(err) {
			return ErrDuplicate.New("protocol %q on rse %s", protocol.Scheme, protocol.RSEID)
		}
		return Error.Wrap(err)
	}
	return nil
}

// ListProtocols returns the protocols of a storage element.
func (o ops) ListProtocols(ctx context.Context, id uuid.UUID) (_ []Protocol, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT rse_id, scheme, hostname, port, prefix, impl,
			read_priority, write_priority, delete_priority, extended
		FROM rse_protocols WHERE rse_id = ?
		ORDER BY scheme
	`), id.String())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var protocols []Protocol
	for rows.Next() {
		var protocol Protocol
		var rseID, extended string
		err := rows.Scan(&rseID, &protocol.Scheme, &protocol.Hostname, &protocol.Port,
			&protocol.Prefix, &protocol.Impl,
			&protocol.ReadPriority, &protocol.WritePriority, &protocol.DeletePriority,
			&extended)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		protocol.RSEID, err = parseUUID(rseID)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(extended), &protocol.Extended); err != nil {
			return nil, Error.Wrap(err)
		}
		protocols = append(protocols, protocol)
	}
	return protocols, nil
}

// SetRSEUsage upserts the usage snapshot of a storage element.
func (o ops) SetRSEUsage(ctx context.Context, id uuid.UUID, used, free int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = o.q.ExecContext(ctx, o.rebind(`
		INSERT INTO rse_usage ( rse_id, used, free, updated_at )
		VALUES ( ?, ?, ?, ? )
		ON CONFLICT ( rse_id ) DO UPDATE SET
			used = excluded.used, free = excluded.free, updated_at = excluded.updated_at
	`), id.String(), used, free, o.now().UTC())
	return Error.Wrap(err)
}

// GetRSEUsage returns the usage snapshot of a storage element; zero when the
// element has never reported.
func (o ops) GetRSEUsage(ctx context.Context, id uuid.UUID) (_ RSEUsage, err error) {
	defer mon.Task()(&ctx)(&err)

	usage := RSEUsage{RSEID: id}
	var rseID string
	err = o.q.QueryRowContext(ctx, o.rebind(`
		SELECT rse_id, used, free, updated_at FROM rse_usage WHERE rse_id = ?
	`), id.String()).Scan(&rseID, &usage.Used, &usage.Free, &usage.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return usage, nil
		}
		return RSEUsage{}, Error.Wrap(err)
	}
	return usage, nil
}

// SetAccountLimit upserts the byte quota of an account on a storage element.
func (o ops) SetAccountLimit(ctx context.Context, account string, id uuid.UUID, bytes int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := o.now().UTC()
	_, err = o.q.ExecContext(ctx, o.rebind(`
		INSERT INTO account_limits ( account, rse_id, bytes, created_at, updated_at )
		VALUES ( ?, ?, ?, ?, ? )
		ON CONFLICT ( account, rse_id ) DO UPDATE SET
			bytes = excluded.bytes, updated_at = excluded.updated_at
	`), account, id.String(), bytes, now, now)
	return Error.Wrap(err)
}

// GetAccountLimit returns the byte quota of an account on a storage element.
// Without an explicit limit the account has no quota there.
func (o ops) GetAccountLimit(ctx context.Context, account string, id uuid.UUID) (bytes int64, found bool, err error) {
	defer mon.Task()(&ctx)(&err)

	err = o.q.QueryRowContext(ctx, o.rebind(`
		SELECT bytes FROM account_limits WHERE account = ? AND rse_id = ?
	`), account, id.String()).Scan(&bytes)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, Error.Wrap(err)
	}
	return bytes, true, nil
}
