// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package evaluator drains the containment-change backlog and re-evaluates
// the rules covering the changed collections.
package evaluator

import (
	"context"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/heartbeat"
	"github.com/drovelabs/drove/warden/rules"
)

// Executable is the daemon name used for shard assignment.
const Executable = "rule-evaluator"

var (
	mon = monkit.Package()

	// Error is the default error class for the chore.
	Error = errs.Class("rule evaluator")
)

// Config configures the re-evaluation chore.
type Config struct {
	Interval  time.Duration `help:"how often the backlog is drained" default:"30s" testDefault:"$TESTINTERVAL"`
	ChunkSize int           `help:"how many backlog entries to take per tick" default:"100"`
}

// Chore consumes the updated_dids backlog. Contended rules get requeued
// instead of blocking the tick; rules failing for other reasons go stuck.
type Chore struct {
	log       *zap.Logger
	db        *catalog.DB
	engine    *rules.Engine
	heartbeat *heartbeat.Service
	config    Config

	Loop *sync2.Cycle
}

// NewChore constructs the chore.
func NewChore(log *zap.Logger, db *catalog.DB, engine *rules.Engine, heartbeat *heartbeat.Service, config Config) *Chore {
	return &Chore{
		log:       log,
		db:        db,
		engine:    engine,
		heartbeat: heartbeat,
		config:    config,
		Loop:      sync2.NewCycle(config.Interval),
	}
}

// Run drains the backlog until the context is done.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("draining the backlog failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce drains one chunk of this worker's partition.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	part, err := chore.heartbeat.Live(ctx, Executable)
	if err != nil {
		return Error.Wrap(err)
	}

	updates, err := chore.db.ListUpdatedDIDs(ctx, chore.config.ChunkSize, part)
	if err != nil {
		return Error.Wrap(err)
	}
	mon.IntVal("backlog_chunk").Observe(int64(len(updates)))

	for _, update := range updates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := chore.process(ctx, update); err != nil {
			chore.log.Error("processing backlog entry failed",
				zap.Stringer("did", update.DID), zap.Error(err))
		}
	}
	return nil
}

// process re-evaluates every rule covering the changed identifier or any of
// its ancestors. The entry survives when any rule was contended.
func (chore *Chore) process(ctx context.Context, update catalog.UpdatedDID) (err error) {
	defer mon.Task()(&ctx)(&err)

	covering := []catalog.DID{update.DID}
	ancestors, err := chore.db.ListAncestors(ctx, update.DID)
	if err != nil {
		return Error.Wrap(err)
	}
	covering = append(covering, ancestors...)

	affected, err := chore.db.ListRulesForDIDs(ctx, covering)
	if err != nil {
		return Error.Wrap(err)
	}

	contended := false
	for _, rule := range affected {
		err := chore.engine.ReEvaluateRule(ctx, rule.ID)
		switch {
		case err == nil:

		case catalog.ErrLockContention.Has(err):
			contended = true
			mon.Event("rule_evaluation_contended")

		default:
			chore.log.Warn("rule re-evaluation failed",
				zap.Stringer("rule", rule.ID), zap.Error(err))
			if err := chore.engine.MarkRuleStuck(ctx, rule.ID, err); err != nil {
				return Error.Wrap(err)
			}
		}
	}

	if contended {
		return Error.Wrap(chore.db.RequeueUpdatedDID(ctx, update.ID))
	}
	return Error.Wrap(chore.db.DeleteUpdatedDID(ctx, update.ID))
}

// Close stops the loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
