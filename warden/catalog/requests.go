// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"storj.io/common/uuid"
)

// Request is a transfer or stage operation driven by the conveyor.
type Request struct {
	ID    uuid.UUID
	Type  RequestType
	State RequestState
	DID
	DestRSEID uuid.UUID
	SrcRSEID  *uuid.UUID
	RuleID    uuid.UUID

	// AttemptID links a retry to the archived previous attempt.
	AttemptID *uuid.UUID

	Activity string
	Bytes    int64
	Adler32  string
	MD5      string

	RetryCount   int
	ExternalHost *string
	ExternalID   *string
	DestURL      *string
	SrcURL       *string
	Reason       *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

const requestColumns = `id, request_type, state, scope, name, dest_rse_id, src_rse_id,
	rule_id, attempt_id, activity, bytes, adler32, md5, retry_count,
	external_host, external_id, dest_url, src_url, reason, created_at, updated_at`

func scanRequest(row interface{ Scan(...interface{}) error }) (Request, error) {
	var request Request
	var id, destRSEID, ruleID string
	var srcRSEID, attemptID sql.NullString
	var externalHost, externalID, destURL, srcURL, reason sql.NullString
	err := row.Scan(&id, &request.Type, &request.State, &request.Scope, &request.Name,
		&destRSEID, &srcRSEID, &ruleID, &attemptID,
		&request.Activity, &request.Bytes, &request.Adler32, &request.MD5,
		&request.RetryCount, &externalHost, &externalID, &destURL, &srcURL, &reason,
		&request.CreatedAt, &request.UpdatedAt)
	if err != nil {
		return Request{}, err
	}
	if request.ID, err = parseUUID(id); err != nil {
		return Request{}, err
	}
	if request.DestRSEID, err = parseUUID(destRSEID); err != nil {
		return Request{}, err
	}
	if request.RuleID, err = parseUUID(ruleID); err != nil {
		return Request{}, err
	}
	if request.SrcRSEID, err = parseNullUUID(srcRSEID); err != nil {
		return Request{}, err
	}
	if request.AttemptID, err = parseNullUUID(attemptID); err != nil {
		return Request{}, err
	}
	for dst, src := range map[**string]sql.NullString{
		&request.ExternalHost: externalHost,
		&request.ExternalID:   externalID,
		&request.DestURL:      destURL,
		&request.SrcURL:       srcURL,
		&request.Reason:       reason,
	} {
		if src.Valid {
			value := src.String
			*dst = &value
		}
	}
	return request, nil
}

// QueueRequest describes one request for Tx.QueueRequests.
type QueueRequest struct {
	Type RequestType
	DID
	DestRSEID uuid.UUID
	RuleID    uuid.UUID
	AttemptID *uuid.UUID
	Activity  string
	Bytes     int64
	Adler32   string
	MD5       string
	Retry     int
}

// QueueRequests enqueues requests in QUEUED state. A second non-terminal
// request for the same (rule, file, destination) fails with ErrDuplicate.
func (tx *Tx) QueueRequests(ctx context.Context, requests []QueueRequest) (ids []uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	now := tx.now().UTC()
	for _, request := range requests {
		id, err := uuid.New()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		activity := request.Activity
		if activity == "" {
			activity = "default"
		}

		_, err = tx.q.ExecContext(ctx, tx.rebind(`
			INSERT INTO requests (
				id, request_type, state, scope, name, dest_rse_id, rule_id,
				attempt_id, activity, bytes, adler32, md5, retry_count,
				shard_hash, created_at, updated_at
			) VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? )
		`),
			id.String(), request.Type, RequestQueued,
			request.Scope, request.Name, request.DestRSEID.String(), request.RuleID.String(),
			uuidOrNull(request.AttemptID), activity,
			request.Bytes, request.Adler32, request.MD5, request.Retry,
			ShardHash(id.String()), now, now)
		if err != nil {
			if tx.isUniqueViolation(err) {
				return nil, ErrDuplicate.New("request for rule %s file %s to %s",
					request.RuleID, request.DID, request.DestRSEID)
			}
			return nil, Error.Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetRequest returns the request by id.
func (o ops) GetRequest(ctx context.Context, id uuid.UUID) (_ Request, err error) {
	defer mon.Task()(&ctx)(&err)

	request, err := scanRequest(o.q.QueryRowContext(ctx, o.rebind(`
		SELECT `+requestColumns+` FROM requests WHERE id = ?
	`), id.String()))
	if err != nil {
		if err == sql.ErrNoRows {
			return Request{}, ErrRequestNotFound.New("%s", id)
		}
		return Request{}, Error.Wrap(err)
	}
	return request, nil
}

// GetNextRequests selects the next batch of sharded work for a conveyor
// daemon.
type GetNextRequests struct {
	Types     []RequestType
	State     RequestState
	OlderThan *time.Time
	Partition Partition
	Limit     int
}

// GetNextRequests returns requests of the given types in the given state,
// oldest update first, restricted to the worker's partition.
func (o ops) GetNextRequests(ctx context.Context, opts GetNextRequests) (_ []Request, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(opts.Types) == 0 {
		return nil, Error.New("request types missing")
	}
	if opts.Partition.Total <= 0 {
		opts.Partition = All
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	var typeList strings.Builder
	args := []interface{}{}
	for i, t := range opts.Types {
		if i > 0 {
			typeList.WriteString(", ")
		}
		typeList.WriteString("?")
		args = append(args, t)
	}
	args = append(args, opts.State)

	older := ""
	if opts.OlderThan != nil {
		older = " AND updated_at <= ?"
		args = append(args, opts.OlderThan.UTC())
	}
	args = append(args, opts.Partition.Total, opts.Partition.Index, opts.Limit)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT `+requestColumns+` FROM requests
		WHERE request_type IN ( `+typeList.String()+` ) AND state = ?`+older+`
			AND shard_hash % ? = ?
		ORDER BY updated_at
		LIMIT ?
	`), args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var requests []Request
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		requests = append(requests, request)
	}
	return requests, nil
}

// TransitionRequest moves a request from one state to another and reports
// whether this call won the transition. Losing means another worker already
// moved the row.
func (o ops) TransitionRequest(ctx context.Context, id uuid.UUID, from, to RequestState) (won bool, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := o.q.ExecContext(ctx, o.rebind(`
		UPDATE requests SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`), to, o.now().UTC(), id.String(), from)
	if err != nil {
		return false, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return affected > 0, nil
}

// SetRequestState forces a request into a state with an optional reason.
func (o ops) SetRequestState(ctx context.Context, id uuid.UUID, state RequestState, reason *string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := o.q.ExecContext(ctx, o.rebind(`
		UPDATE requests SET state = ?, reason = COALESCE(?, reason), updated_at = ?
		WHERE id = ?
	`), state, reason, o.now().UTC(), id.String())
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrRequestNotFound.New("%s", id)
	}
	return nil
}

// SetRequestSubmitted records the external submission coordinates and moves
// the request to SUBMITTED.
func (o ops) SetRequestSubmitted(ctx context.Context, id uuid.UUID, externalHost, externalID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := o.q.ExecContext(ctx, o.rebind(`
		UPDATE requests SET state = ?, external_host = ?, external_id = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`), RequestSubmitted, externalHost, externalID, o.now().UTC(),
		id.String(), RequestSubmitting)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrRequestNotFound.New("%s not in SUBMITTING", id)
	}
	return nil
}

// ListRequestsByExternalID returns the requests of one external transfer.
func (o ops) ListRequestsByExternalID(ctx context.Context, externalID string) (_ []Request, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT `+requestColumns+` FROM requests WHERE external_id = ?
		ORDER BY id
	`), externalID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var requests []Request
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		requests = append(requests, request)
	}
	return requests, nil
}

// ExternalTransfer identifies one submitted transfer on one external host.
type ExternalTransfer struct {
	Host string
	ID   string
}

// ListSubmittedTransfers returns the distinct external transfers with
// outstanding SUBMITTED requests in the worker's partition.
func (o ops) ListSubmittedTransfers(ctx context.Context, part Partition, limit int) (_ []ExternalTransfer, err error) {
	defer mon.Task()(&ctx)(&err)

	if part.Total <= 0 {
		part = All
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT DISTINCT external_host, external_id FROM requests
		WHERE state = ? AND external_id IS NOT NULL AND shard_hash % ? = ?
		ORDER BY external_host, external_id
		LIMIT ?
	`), RequestSubmitted, part.Total, part.Index, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var transfers []ExternalTransfer
	for rows.Next() {
		var host sql.NullString
		var transfer ExternalTransfer
		if err := rows.Scan(&host, &transfer.ID); err != nil {
			return nil, Error.Wrap(err)
		}
		transfer.Host = host.String
		transfers = append(transfers, transfer)
	}
	return transfers, nil
}

// TouchRequestsByExternalID refreshes the last-seen timestamp of all
// requests of an external transfer.
func (o ops) TouchRequestsByExternalID(ctx context.Context, externalID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = o.q.ExecContext(ctx, o.rebind(`
		UPDATE requests SET updated_at = ? WHERE external_id = ?
	`), o.now().UTC(), externalID)
	return Error.Wrap(err)
}

// SetRequestSource records the resolved source of a request.
func (o ops) SetRequestSource(ctx context.Context, id uuid.UUID, srcRSEID *uuid.UUID, srcURL *string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = o.q.ExecContext(ctx, o.rebind(`
		UPDATE requests SET src_rse_id = ?, src_url = ?, updated_at = ?
		WHERE id = ?
	`), uuidOrNull(srcRSEID), srcURL, o.now().UTC(), id.String())
	return Error.Wrap(err)
}

// SetRequestURLs records the transfer endpoints chosen by the submitter.
func (o ops) SetRequestURLs(ctx context.Context, id uuid.UUID, srcRSEID *uuid.UUID, srcURL, destURL *string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = o.q.ExecContext(ctx, o.rebind(`
		UPDATE requests SET src_rse_id = ?, src_url = ?, dest_url = ?, updated_at = ?
		WHERE id = ?
	`), uuidOrNull(srcRSEID), srcURL, destURL, o.now().UTC(), id.String())
	return Error.Wrap(err)
}

// ArchiveRequest copies the request into the history table and removes it.
func (tx *Tx) ArchiveRequest(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	request, err := tx.GetRequest(ctx, id)
	if err != nil {
		return err
	}

	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		INSERT INTO requests_history (
			id, request_type, state, scope, name, dest_rse_id, src_rse_id,
			rule_id, attempt_id, activity, bytes, adler32, md5, retry_count,
			external_host, external_id, dest_url, src_url, reason,
			created_at, archived_at
		) VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? )
	`),
		request.ID.String(), request.Type, request.State, request.Scope, request.Name,
		request.DestRSEID.String(), uuidOrNull(request.SrcRSEID),
		request.RuleID.String(), uuidOrNull(request.AttemptID),
		request.Activity, request.Bytes, request.Adler32, request.MD5, request.RetryCount,
		request.ExternalHost, request.ExternalID, request.DestURL, request.SrcURL, request.Reason,
		request.CreatedAt, tx.now().UTC())
	if err != nil {
		return Error.Wrap(err)
	}

	_, err = tx.q.ExecContext(ctx, tx.rebind(`DELETE FROM requests WHERE id = ?`), id.String())
	return Error.Wrap(err)
}

// RequeueRequest archives the terminal attempt and enqueues a fresh one
// linked to it, with the retry counter bumped.
func (tx *Tx) RequeueRequest(ctx context.Context, id uuid.UUID) (_ Request, err error) {
	defer mon.Task()(&ctx)(&err)

	old, err := tx.GetRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if err := tx.ArchiveRequest(ctx, id); err != nil {
		return Request{}, err
	}

	ids, err := tx.QueueRequests(ctx, []QueueRequest{{
		Type:      old.Type,
		DID:       old.DID,
		DestRSEID: old.DestRSEID,
		RuleID:    old.RuleID,
		AttemptID: &old.ID,
		Activity:  old.Activity,
		Bytes:     old.Bytes,
		Adler32:   old.Adler32,
		MD5:       old.MD5,
		Retry:     old.RetryCount + 1,
	}})
	if err != nil {
		return Request{}, err
	}
	return tx.GetRequest(ctx, ids[0])
}

// CancelRuleRequests marks every non-terminal request of a rule as
// SUBMISSION_FAILED and archives it. Requests belong to exactly one rule, so
// nothing shared is cancelled.
func (tx *Tx) CancelRuleRequests(ctx context.Context, ruleID uuid.UUID) (cancelled []Request, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := tx.q.QueryContext(ctx, tx.rebind(`
		SELECT `+requestColumns+` FROM requests
		WHERE rule_id = ? AND state IN ( ?, ?, ? )
	`), ruleID.String(), RequestQueued, RequestSubmitting, RequestSubmitted)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var requests []Request
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, Error.Wrap(errsCombine(err, rows.Close()))
		}
		requests = append(requests, request)
	}
	if err := errsCombine(rows.Err(), rows.Close()); err != nil {
		return nil, Error.Wrap(err)
	}

	reason := "rule deleted"
	for _, request := range requests {
		if err := tx.SetRequestState(ctx, request.ID, RequestSubmissionFailed, &reason); err != nil {
			return nil, err
		}
		if err := tx.ArchiveRequest(ctx, request.ID); err != nil {
			return nil, err
		}
	}
	return requests, nil
}
