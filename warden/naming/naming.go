// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package naming admission-checks new identifier names against per-scope
// conventions and extracts default metadata from them.
package naming

import (
	"context"
	"regexp"
	"strings"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/drovelabs/drove/private/lrucache"
	"github.com/drovelabs/drove/warden/catalog"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("naming")

	// ErrInvalidObject is returned when a name violates the scope's
	// convention.
	ErrInvalidObject = errs.Class("invalid object")
)

// Config configures the convention cache.
type Config struct {
	CacheExpiration time.Duration `help:"how long scope conventions stay cached" default:"1h" testDefault:"1h"`
	CacheCapacity   int           `help:"how many scope conventions to keep cached" default:"1000"`
}

// Validator checks names against the stored per-scope conventions. The
// compiled regex per scope is cached with a bounded TTL.
type Validator struct {
	log *zap.Logger
	db  *catalog.DB

	cache *lrucache.ExpiringLRUOf[*convention]
}

// convention is a compiled per-scope regex; nil re means the scope has no
// convention.
type convention struct {
	re *regexp.Regexp
}

// NewValidator constructs a Validator.
func NewValidator(log *zap.Logger, db *catalog.DB, config Config) *Validator {
	return &Validator{
		log: log,
		db:  db,
		cache: lrucache.NewOf[*convention](lrucache.Options{
			Expiration: config.CacheExpiration,
			Capacity:   config.CacheCapacity,
			Name:       "naming-conventions",
		}),
	}
}

// Validate checks the name against the scope's convention. Scopes without a
// convention accept every name. The returned map holds the metadata
// extracted from the name's named capture groups.
func (validator *Validator) Validate(ctx context.Context, scope string, name string) (meta map[string]string, err error) {
	defer mon.Task()(&ctx)(&err)

	loaded, err := validator.cache.Get(ctx, scope, func() (*convention, error) {
		stored, found, err := validator.db.GetNamingConvention(ctx, scope)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if !found {
			return &convention{}, nil
		}
		re, err := regexp.Compile(fullmatch(stored.Regexp))
		if err != nil {
			return nil, Error.New("convention of scope %q does not compile: %w", scope, err)
		}
		return &convention{re: re}, nil
	})
	if err != nil {
		return nil, err
	}
	if loaded.re == nil {
		return map[string]string{}, nil
	}

	match := loaded.re.FindStringSubmatch(name)
	if match == nil {
		mon.Event("naming_rejected")
		return nil, ErrInvalidObject.New("name %q violates the convention of scope %q", name, scope)
	}

	meta = map[string]string{}
	for i, group := range loaded.re.SubexpNames() {
		if i == 0 || group == "" || match[i] == "" {
			continue
		}
		meta[group] = match[i]
	}
	return meta, nil
}

// SetConvention stores the convention of a scope and drops the cached
// compilation.
func (validator *Validator) SetConvention(ctx context.Context, scope, expression, conventionType string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := regexp.Compile(fullmatch(expression)); err != nil {
		return ErrInvalidObject.New("convention %q does not compile: %v", expression, err)
	}
	err = validator.db.SetNamingConvention(ctx, catalog.NamingConvention{
		Scope:          scope,
		Regexp:         expression,
		ConventionType: conventionType,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	validator.cache.Delete(ctx, scope)
	return nil
}

// DeleteConvention removes the convention of a scope and drops the cached
// compilation.
func (validator *Validator) DeleteConvention(ctx context.Context, scope string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := validator.db.DeleteNamingConvention(ctx, scope); err != nil {
		return Error.Wrap(err)
	}
	validator.cache.Delete(ctx, scope)
	return nil
}

// fullmatch anchors the expression so that the whole name must match.
func fullmatch(expression string) string {
	if !strings.HasPrefix(expression, "^") {
		expression = "^" + expression
	}
	if !strings.HasSuffix(expression, "$") {
		expression += "$"
	}
	return expression
}
