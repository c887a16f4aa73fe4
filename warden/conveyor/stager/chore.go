// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package stager consumes terminal stage requests. STAGEOUT behaves like a
// transfer; STAGEIN completion never touches the destination replica, the
// bytes only surfaced from tape into a disk buffer.
package stager

import (
	"context"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/conveyor"
	"github.com/drovelabs/drove/warden/heartbeat"
	"github.com/drovelabs/drove/warden/rules"
)

// Executable is the daemon name used for shard assignment.
const Executable = "conveyor-stager"

var (
	mon = monkit.Package()

	// Error is the default error class for the chore.
	Error = errs.Class("stager")
)

// Config configures the stage terminal-handling chore.
type Config struct {
	Interval  time.Duration `help:"how often terminal stage requests are consumed" default:"30s" testDefault:"$TESTINTERVAL"`
	ChunkSize int           `help:"how many terminal stage requests to take per state per tick" default:"100"`
}

// Chore consumes terminal STAGEIN/STAGEOUT requests.
type Chore struct {
	log       *zap.Logger
	db        *catalog.DB
	service   *conveyor.Service
	engine    *rules.Engine
	heartbeat *heartbeat.Service
	config    Config

	Loop *sync2.Cycle
}

// NewChore constructs the chore.
func NewChore(log *zap.Logger, db *catalog.DB, service *conveyor.Service, engine *rules.Engine, heartbeat *heartbeat.Service, config Config) *Chore {
	return &Chore{
		log:       log,
		db:        db,
		service:   service,
		engine:    engine,
		heartbeat: heartbeat,
		config:    config,
		Loop:      sync2.NewCycle(config.Interval),
	}
}

// Run consumes terminal stage requests until the context is done.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("staging tick failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce consumes one chunk per terminal state.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	part, err := chore.heartbeat.Live(ctx, Executable)
	if err != nil {
		return Error.Wrap(err)
	}

	states := []catalog.RequestState{
		catalog.RequestDone, catalog.RequestFailed, catalog.RequestLost,
		catalog.RequestSubmissionFailed, catalog.RequestNoSources,
	}
	for _, state := range states {
		requests, err := chore.db.GetNextRequests(ctx, catalog.GetNextRequests{
			Types:     []catalog.RequestType{catalog.RequestStageIn, catalog.RequestStageOut},
			State:     state,
			Partition: part,
			Limit:     chore.config.ChunkSize,
		})
		if err != nil {
			return Error.Wrap(err)
		}
		for _, request := range requests {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := chore.finish(ctx, request); err != nil {
				if catalog.ErrLockContention.Has(err) {
					mon.Event("stage_finish_contended")
					continue
				}
				chore.log.Warn("finishing stage request failed",
					zap.Stringer("request", request.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// finish settles one terminal stage request.
func (chore *Chore) finish(ctx context.Context, request catalog.Request) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		if request.State == catalog.RequestDone {
			// only STAGEOUT materializes a destination replica
			if request.Type == catalog.RequestStageOut {
				err := tx.UpdateReplicaState(ctx, catalog.ReplicaStateUpdate{
					RSEID: request.DestRSEID, DID: request.DID,
					State: catalog.ReplicaAvailable,
				}, true)
				if err != nil && !catalog.ErrReplicaNotFound.Has(err) {
					return err
				}
				if err := chore.engine.HandleTransferOK(ctx, tx, request.DestRSEID, request.DID); err != nil {
					return err
				}
			}
			mon.Event("stage_done")
			return tx.ArchiveRequest(ctx, request.ID)
		}

		if request.RetryCount < chore.service.Config().RetryLimit {
			_, err := tx.RequeueRequest(ctx, request.ID)
			return err
		}

		if request.Type == catalog.RequestStageOut {
			err := tx.UpdateReplicaState(ctx, catalog.ReplicaStateUpdate{
				RSEID: request.DestRSEID, DID: request.DID,
				State: catalog.ReplicaUnavailable,
			}, true)
			if err != nil && !catalog.ErrReplicaNotFound.Has(err) {
				return err
			}
			if err := chore.engine.HandleTransferFailed(ctx, tx, request.DestRSEID, request.DID); err != nil {
				return err
			}
		}
		mon.Event("stage_exhausted")
		return tx.ArchiveRequest(ctx, request.ID)
	})
}

// Close stops the loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
