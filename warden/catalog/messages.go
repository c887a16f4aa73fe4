// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"encoding/json"
	"time"

	"storj.io/common/uuid"
)

// Message is a durable outbound event for the external notification
// shipper.
type Message struct {
	ID        uuid.UUID
	EventType string
	Payload   map[string]interface{}
	CreatedAt time.Time
}

// AddMessage appends an outbound event.
func (o ops) AddMessage(ctx context.Context, eventType string, payload map[string]interface{}) (err error) {
	defer mon.Task()(&ctx)(&err)

	if eventType == "" {
		return Error.New("event type missing")
	}

	id, err := uuid.New()
	if err != nil {
		return Error.Wrap(err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Error.Wrap(err)
	}

	_, err = o.q.ExecContext(ctx, o.rebind(`
		INSERT INTO messages ( id, event_type, payload, created_at )
		VALUES ( ?, ?, ?, ? )
	`), id.String(), eventType, string(encoded), o.now().UTC())
	return Error.Wrap(err)
}

// ListMessages returns outbound events oldest first.
func (o ops) ListMessages(ctx context.Context, limit int) (_ []Message, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}
	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT id, event_type, payload, created_at FROM messages
		ORDER BY created_at, id
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var messages []Message
	for rows.Next() {
		var message Message
		var id, payload string
		if err := rows.Scan(&id, &message.EventType, &payload, &message.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		if message.ID, err = parseUUID(id); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &message.Payload); err != nil {
			return nil, Error.Wrap(err)
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// DeleteMessages removes shipped events.
func (o ops) DeleteMessages(ctx context.Context, ids []uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, id := range ids {
		if _, err := o.q.ExecContext(ctx, o.rebind(`DELETE FROM messages WHERE id = ?`), id.String()); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}
