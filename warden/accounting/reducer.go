// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package accounting folds the queued usage counter deltas into the
// eventually consistent account and element counters.
package accounting

import (
	"context"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/drovelabs/drove/warden/catalog"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the chore.
	Error = errs.Class("accounting")
)

// Config configures the reducer.
type Config struct {
	Interval  time.Duration `help:"how often pending counter deltas are folded" default:"1m" testDefault:"$TESTINTERVAL"`
	ChunkSize int           `help:"how many counter keys to fold per tick" default:"500"`
}

// Reducer folds updated_account_counters and updated_rse_counters into their
// base counters, one key per transaction.
type Reducer struct {
	log    *zap.Logger
	db     *catalog.DB
	config Config

	Loop *sync2.Cycle
}

// NewReducer constructs the chore.
func NewReducer(log *zap.Logger, db *catalog.DB, config Config) *Reducer {
	return &Reducer{
		log:    log,
		db:     db,
		config: config,
		Loop:   sync2.NewCycle(config.Interval),
	}
}

// Run folds until the context is done.
func (reducer *Reducer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return reducer.Loop.Run(ctx, func(ctx context.Context) error {
		if err := reducer.RunOnce(ctx); err != nil {
			reducer.log.Error("folding counters failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce folds one chunk of pending account and element counter keys.
func (reducer *Reducer) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := reducer.db.ListPendingCounterKeys(ctx, reducer.config.ChunkSize)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := key
		err := reducer.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.FoldAccountCounter(ctx, key)
		})
		if err != nil {
			return Error.Wrap(err)
		}
	}

	ids, err := reducer.db.ListPendingRSECounterIDs(ctx, reducer.config.ChunkSize)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := id
		err := reducer.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
			return tx.FoldRSECounter(ctx, id)
		})
		if err != nil {
			return Error.Wrap(err)
		}
	}

	mon.IntVal("folded_account_counters").Observe(int64(len(keys)))
	mon.IntVal("folded_rse_counters").Observe(int64(len(ids)))
	return nil
}

// Close stops the loop.
func (reducer *Reducer) Close() error {
	reducer.Loop.Close()
	return nil
}
