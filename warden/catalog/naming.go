// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"database/sql"
	"time"
)

// NamingConvention is a per-scope admission regex for new identifier names.
type NamingConvention struct {
	Scope          string
	Regexp         string
	ConventionType string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SetNamingConvention upserts the convention of a scope.
func (o ops) SetNamingConvention(ctx context.Context, convention NamingConvention) (err error) {
	defer mon.Task()(&ctx)(&err)

	if convention.Scope == "" {
		return Error.New("scope missing")
	}
	if convention.Regexp == "" {
		return Error.New("regexp missing")
	}

	now := o.now().UTC()
	_, err = o.q.ExecContext(ctx, o.rebind(`
		INSERT INTO naming_conventions ( scope, regexp, convention_type, created_at, updated_at )
		VALUES ( ?, ?, ?, ?, ? )
		ON CONFLICT ( scope ) DO UPDATE SET
			regexp = excluded.regexp,
			convention_type = excluded.convention_type,
			updated_at = excluded.updated_at
	`), convention.Scope, convention.Regexp, convention.ConventionType, now, now)
	return Error.Wrap(err)
}

// GetNamingConvention returns the convention of a scope; found is false when
// the scope has none.
func (o ops) GetNamingConvention(ctx context.Context, scope string) (_ NamingConvention, found bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var convention NamingConvention
	err = o.q.QueryRowContext(ctx, o.rebind(`
		SELECT scope, regexp, convention_type, created_at, updated_at
		FROM naming_conventions WHERE scope = ?
	`), scope).Scan(&convention.Scope, &convention.Regexp, &convention.ConventionType,
		&convention.CreatedAt, &convention.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return NamingConvention{}, false, nil
		}
		return NamingConvention{}, false, Error.Wrap(err)
	}
	return convention, true, nil
}

// DeleteNamingConvention removes the convention of a scope.
func (o ops) DeleteNamingConvention(ctx context.Context, scope string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = o.q.ExecContext(ctx, o.rebind(`
		DELETE FROM naming_conventions WHERE scope = ?
	`), scope)
	return Error.Wrap(err)
}
