// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package cleaner removes replication rules whose lifetime ran out.
package cleaner

import (
	"context"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/rules"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the chore.
	Error = errs.Class("rule cleaner")
)

// Config configures the expiration sweep.
type Config struct {
	Interval  time.Duration `help:"how often expired rules are swept" default:"5m" testDefault:"$TESTINTERVAL"`
	ChunkSize int           `help:"how many expired rules to take per tick" default:"100"`
}

// Chore tears down expired rules. Locked rules never expire.
type Chore struct {
	log    *zap.Logger
	db     *catalog.DB
	engine *rules.Engine
	config Config

	Loop *sync2.Cycle

	nowFn func() time.Time
}

// NewChore constructs the chore.
func NewChore(log *zap.Logger, db *catalog.DB, engine *rules.Engine, config Config) *Chore {
	return &Chore{
		log:    log,
		db:     db,
		engine: engine,
		config: config,
		Loop:   sync2.NewCycle(config.Interval),
		nowFn:  time.Now,
	}
}

// Run sweeps until the context is done.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("sweeping expired rules failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce sweeps one chunk of expired rules.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	expired, err := chore.db.ListExpiredRules(ctx, chore.nowFn().UTC(), chore.config.ChunkSize)
	if err != nil {
		return Error.Wrap(err)
	}

	for _, rule := range expired {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rule.Locked {
			continue
		}
		if err := chore.engine.DeleteRule(ctx, rule.ID); err != nil {
			chore.log.Warn("deleting expired rule failed",
				zap.Stringer("rule", rule.ID), zap.Error(err))
			continue
		}
		mon.Event("rule_expired")
	}
	return nil
}

// Close stops the loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}

// TestingSetNow replaces the time source.
func (chore *Chore) TestingSetNow(now func() time.Time) {
	chore.nowFn = now
}
