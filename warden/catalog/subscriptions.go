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

// SubscriptionFilter selects the identifiers a subscription applies to. All
// present keys must match.
type SubscriptionFilter struct {
	// Pattern is a regular expression matched against the identifier name.
	Pattern string

	// Scopes is scope membership.
	Scopes []string

	// Metadata maps an attribute to its accepted values.
	Metadata map[string][]string
}

// MarshalJSON flattens the filter into the wire form: pattern and scope next
// to the metadata keys.
func (f SubscriptionFilter) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(f.Metadata)+2)
	for key, values := range f.Metadata {
		flat[key] = values
	}
	if f.Pattern != "" {
		flat["pattern"] = f.Pattern
	}
	if len(f.Scopes) > 0 {
		flat["scope"] = f.Scopes
	}
	return json.Marshal(flat)
}

// UnmarshalJSON splits the wire form back into pattern, scope and metadata.
func (f *SubscriptionFilter) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	*f = SubscriptionFilter{Metadata: map[string][]string{}}
	for key, raw := range flat {
		switch key {
		case "pattern":
			if err := json.Unmarshal(raw, &f.Pattern); err != nil {
				return err
			}
		case "scope":
			if err := json.Unmarshal(raw, &f.Scopes); err != nil {
				return err
			}
		default:
			var values []string
			if err := json.Unmarshal(raw, &values); err != nil {
				// a bare string is accepted as a one-element list
				var single string
				if err := json.Unmarshal(raw, &single); err != nil {
					return err
				}
				values = []string{single}
			}
			f.Metadata[key] = values
		}
	}
	return nil
}

// RuleTemplate is one replication rule a subscription synthesizes per
// matching identifier.
type RuleTemplate struct {
	Copies          int    `json:"copies"`
	RSEExpression   string `json:"rse_expression"`
	Grouping        string `json:"grouping"`
	Weight          string `json:"weight,omitempty"`
	LifetimeSeconds int64  `json:"lifetime,omitempty"`
}

// Subscription generates rules for newly registered identifiers matching its
// filter.
type Subscription struct {
	ID      uuid.UUID
	Name    string
	Account string
	Filter  SubscriptionFilter
	Rules   []RuleTemplate
	State   SubscriptionState

	LastProcessed *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddSubscription registers a subscription and returns its id.
func (tx *Tx) AddSubscription(ctx context.Context, sub Subscription) (_ uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	if sub.Name == "" {
		return uuid.UUID{}, Error.New("subscription name missing")
	}
	if sub.Account == "" {
		return uuid.UUID{}, Error.New("account missing")
	}
	if len(sub.Rules) == 0 {
		return uuid.UUID{}, Error.New("subscription carries no rule templates")
	}

	id, err := uuid.New()
	if err != nil {
		return uuid.UUID{}, Error.Wrap(err)
	}
	filter, err := json.Marshal(sub.Filter)
	if err != nil {
		return uuid.UUID{}, Error.Wrap(err)
	}
	rules, err := json.Marshal(sub.Rules)
	if err != nil {
		return uuid.UUID{}, Error.Wrap(err)
	}
	state := sub.State
	if state == 0 {
		state = SubscriptionActive
	}

	now := tx.now().UTC()
	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		INSERT INTO subscriptions (
			id, name, account, filter, replication_rules, state,
			last_processed, created_at, updated_at
		) VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, ? )
	`), id.String(), sub.Name, sub.Account, string(filter), string(rules), state,
		nil, now, now)
	if err != nil {
		if tx.isUniqueViolation(err) {
			return uuid.UUID{}, ErrDuplicate.New("subscription %q for account %q", sub.Name, sub.Account)
		}
		return uuid.UUID{}, Error.Wrap(err)
	}
	return id, nil
}

func scanSubscription(row interface{ Scan(...interface{}) error }) (Subscription, error) {
	var sub Subscription
	var id, filter, rules string
	var lastProcessed sql.NullTime
	err := row.Scan(&id, &sub.Name, &sub.Account, &filter, &rules, &sub.State,
		&lastProcessed, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return Subscription{}, err
	}
	if sub.ID, err = parseUUID(id); err != nil {
		return Subscription{}, err
	}
	if err := json.Unmarshal([]byte(filter), &sub.Filter); err != nil {
		return Subscription{}, Error.Wrap(err)
	}
	if err := json.Unmarshal([]byte(rules), &sub.Rules); err != nil {
		return Subscription{}, Error.Wrap(err)
	}
	if lastProcessed.Valid {
		sub.LastProcessed = &lastProcessed.Time
	}
	return sub, nil
}

const subscriptionColumns = `id, name, account, filter, replication_rules, state,
	last_processed, created_at, updated_at`

// GetSubscription returns the subscription by id.
func (o ops) GetSubscription(ctx context.Context, id uuid.UUID) (_ Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	sub, err := scanSubscription(o.q.QueryRowContext(ctx, o.rebind(`
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?
	`), id.String()))
	if err != nil {
		if err == sql.ErrNoRows {
			return Subscription{}, ErrSubscriptionNotFound.New("%s", id)
		}
		return Subscription{}, Error.Wrap(err)
	}
	return sub, nil
}

// ListSubscriptions returns all subscriptions in the given state.
func (o ops) ListSubscriptions(ctx context.Context, state SubscriptionState) (_ []Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE state = ?
		ORDER BY account, name
	`), state)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// SetSubscriptionState transitions a subscription.
func (o ops) SetSubscriptionState(ctx context.Context, id uuid.UUID, state SubscriptionState) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := o.q.ExecContext(ctx, o.rebind(`
		UPDATE subscriptions SET state = ?, updated_at = ? WHERE id = ?
	`), state, o.now().UTC(), id.String())
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrSubscriptionNotFound.New("%s", id)
	}
	return nil
}

// TouchSubscription records a completed matching pass.
func (o ops) TouchSubscription(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := o.now().UTC()
	_, err = o.q.ExecContext(ctx, o.rebind(`
		UPDATE subscriptions SET last_processed = ?, updated_at = ? WHERE id = ?
	`), now, now, id.String())
	return Error.Wrap(err)
}
