// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package naming_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/catalog/catalogtest"
	"github.com/drovelabs/drove/warden/naming"
)

func newValidator(t *testing.T, db *catalog.DB) *naming.Validator {
	return naming.NewValidator(zaptest.NewLogger(t), db, naming.Config{
		CacheExpiration: 0,
		CacheCapacity:   10,
	})
}

func TestValidateWithoutConvention(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		validator := newValidator(t, db)

		meta, err := validator.Validate(ctx, "user.jdoe", "anything goes here")
		require.NoError(t, err)
		require.NotNil(t, meta)
		require.Empty(t, meta)
	})
}

func TestValidateConvention(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		validator := newValidator(t, db)

		require.NoError(t, validator.SetConvention(ctx, "data16",
			`(?P<project>data16)_(?P<energy>\d+TeV)\.(?P<datatype>[A-Z]+)\..*`, "dataset"))

		meta, err := validator.Validate(ctx, "data16", "data16_13TeV.AOD.r9264")
		require.NoError(t, err)
		require.Equal(t, map[string]string{
			"project":  "data16",
			"energy":   "13TeV",
			"datatype": "AOD",
		}, meta)

		// the whole name has to match, not just a prefix
		_, err = validator.Validate(ctx, "data16", "data16_13TeV.AOD")
		require.True(t, naming.ErrInvalidObject.Has(err))
		_, err = validator.Validate(ctx, "data16", "xdata16_13TeV.AOD.r9264")
		require.True(t, naming.ErrInvalidObject.Has(err))

		// other scopes stay unconstrained
		_, err = validator.Validate(ctx, "mc21", "whatever")
		require.NoError(t, err)
	})
}

func TestConventionUpdatesDropCache(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		validator := newValidator(t, db)

		require.NoError(t, validator.SetConvention(ctx, "data16", `data16\..*`, "dataset"))
		_, err := validator.Validate(ctx, "data16", "data16.good")
		require.NoError(t, err)
		_, err = validator.Validate(ctx, "data16", "other")
		require.True(t, naming.ErrInvalidObject.Has(err))

		require.NoError(t, validator.SetConvention(ctx, "data16", `other`, "dataset"))
		_, err = validator.Validate(ctx, "data16", "other")
		require.NoError(t, err)

		require.NoError(t, validator.DeleteConvention(ctx, "data16"))
		_, err = validator.Validate(ctx, "data16", "anything")
		require.NoError(t, err)
	})
}

func TestSetConventionRejectsBrokenRegex(t *testing.T) {
	catalogtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *catalog.DB) {
		validator := newValidator(t, db)
		err := validator.SetConvention(ctx, "data16", `data16.(`, "dataset")
		require.True(t, naming.ErrInvalidObject.Has(err))
	})
}
