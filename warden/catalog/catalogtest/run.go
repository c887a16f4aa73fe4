// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package catalogtest runs tests against a real catalog database: an
// embedded sqlite file by default, postgres as well when
// DROVE_TEST_POSTGRES is set to a connection URL.
package catalogtest

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/drovelabs/drove/warden/catalog"
)

// PostgresEnv is the environment variable carrying the optional postgres
// test URL.
const PostgresEnv = "DROVE_TEST_POSTGRES"

// Database describes one backend a test runs against.
type Database struct {
	Name string
	URL  func(ctx *testcontext.Context) string
}

func databases(t *testing.T) []Database {
	dbs := []Database{
		{
			Name: "sqlite3",
			URL: func(ctx *testcontext.Context) string {
				return "sqlite3://" + ctx.File("catalog.db")
			},
		},
	}
	if url := os.Getenv(PostgresEnv); url != "" {
		dbs = append(dbs, Database{
			Name: "postgres",
			URL:  func(*testcontext.Context) string { return url },
		})
	}
	return dbs
}

// Run opens a migrated catalog per configured backend and calls fn with it.
func Run(t *testing.T, fn func(ctx *testcontext.Context, t *testing.T, db *catalog.DB)) {
	for _, database := range databases(t) {
		database := database
		t.Run(database.Name, func(t *testing.T) {
			t.Parallel()

			ctx := testcontext.New(t)
			defer ctx.Cleanup()

			db, err := catalog.Open(ctx, zaptest.NewLogger(t), catalog.Config{
				URL: database.URL(ctx),
			})
			require.NoError(t, err)
			defer ctx.Check(db.Close)

			require.NoError(t, db.MigrateToLatest(ctx))

			fn(ctx, t, db)
		})
	}
}
