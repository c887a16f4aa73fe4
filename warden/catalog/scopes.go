// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"database/sql"
	"time"
)

// Scope is a namespace for data identifiers, owned by an account.
type Scope struct {
	Scope   string
	Account string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddScope registers a new scope.
func (o ops) AddScope(ctx context.Context, scope, account string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if scope == "" {
		return Error.New("scope missing")
	}
	if account == "" {
		return Error.New("account missing")
	}

	now := o.now().UTC()
	_, err = o.q.ExecContext(ctx, o.rebind(`
		INSERT INTO scopes ( scope, account, created_at, updated_at )
		VALUES ( ?, ?, ?, ? )
	`), scope, account, now, now)
	if err != nil {
		if o.isUniqueViolation(err) {
			return ErrDuplicate.New("scope %q", scope)
		}
		return Error.Wrap(err)
	}
	return nil
}

// GetScope returns the scope by name.
func (o ops) GetScope(ctx context.Context, scope string) (_ Scope, err error) {
	defer mon.Task()(&ctx)(&err)

	var s Scope
	err = o.q.QueryRowContext(ctx, o.rebind(`
		SELECT scope, account, created_at, updated_at
		FROM scopes
		WHERE scope = ?
	`), scope).Scan(&s.Scope, &s.Account, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Scope{}, ErrScopeNotFound.New("%q", scope)
		}
		return Scope{}, Error.Wrap(err)
	}
	return s, nil
}
