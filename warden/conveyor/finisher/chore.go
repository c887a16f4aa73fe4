// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package finisher consumes terminal transfer requests: it reconciles
// replicas and locks, retries what can be retried and archives the rest.
package finisher

import (
	"context"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/common/uuid"

	"github.com/drovelabs/drove/private/lrucache"
	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/conveyor"
	"github.com/drovelabs/drove/warden/heartbeat"
	"github.com/drovelabs/drove/warden/rules"
)

// Executable is the daemon name used for shard assignment.
const Executable = "conveyor-finisher"

var (
	mon = monkit.Package()

	// Error is the default error class for the chore.
	Error = errs.Class("finisher")
)

// Config configures the terminal-handling chore.
type Config struct {
	Interval  time.Duration `help:"how often terminal requests are consumed" default:"30s" testDefault:"$TESTINTERVAL"`
	ChunkSize int           `help:"how many terminal requests to take per state per tick" default:"100"`

	RSECacheExpiration time.Duration `help:"how long storage element rows stay cached" default:"10m" testDefault:"10m"`
}

// Chore consumes terminal TRANSFER requests in batches per (type, rule).
type Chore struct {
	log       *zap.Logger
	db        *catalog.DB
	service   *conveyor.Service
	engine    *rules.Engine
	heartbeat *heartbeat.Service
	config    Config

	rses *lrucache.ExpiringLRUOf[catalog.RSE]

	Loop *sync2.Cycle

	nowFn func() time.Time
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
		rses: lrucache.NewOf[catalog.RSE](lrucache.Options{
			Expiration: config.RSECacheExpiration,
			Capacity:   1000,
			Name:       "finisher-rses",
		}),
		Loop:  sync2.NewCycle(config.Interval),
		nowFn: time.Now,
	}
}

// Run consumes terminal requests until the context is done.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("finishing tick failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce consumes one chunk per terminal state plus the stuck SUBMITTING
// sweep.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	part, err := chore.heartbeat.Live(ctx, Executable)
	if err != nil {
		return Error.Wrap(err)
	}

	done, err := chore.next(ctx, catalog.RequestDone, part, nil)
	if err != nil {
		return err
	}
	for ruleID, batch := range groupByRule(done) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := chore.finishDone(ctx, batch); err != nil {
			if catalog.ErrLockContention.Has(err) {
				// the rule is busy elsewhere; the batch stays for the next tick
				mon.Event("finish_contended")
				continue
			}
			chore.log.Warn("finishing done batch failed",
				zap.Stringer("rule", ruleID), zap.Error(err))
		}
	}

	for _, state := range []catalog.RequestState{
		catalog.RequestFailed, catalog.RequestLost,
		catalog.RequestSubmissionFailed, catalog.RequestNoSources,
	} {
		failed, err := chore.next(ctx, state, part, nil)
		if err != nil {
			return err
		}
		for _, request := range failed {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := chore.finishFailed(ctx, request); err != nil {
				if catalog.ErrLockContention.Has(err) {
					mon.Event("finish_contended")
					continue
				}
				chore.log.Warn("finishing failed request failed",
					zap.Stringer("request", request.ID), zap.Error(err))
			}
		}
	}

	return chore.sweepStuckSubmitting(ctx, part)
}

func (chore *Chore) next(ctx context.Context, state catalog.RequestState, part catalog.Partition, olderThan *time.Time) ([]catalog.Request, error) {
	requests, err := chore.db.GetNextRequests(ctx, catalog.GetNextRequests{
		Types:     []catalog.RequestType{catalog.RequestTransfer},
		State:     state,
		OlderThan: olderThan,
		Partition: part,
		Limit:     chore.config.ChunkSize,
	})
	return requests, Error.Wrap(err)
}

func groupByRule(requests []catalog.Request) map[uuid.UUID][]catalog.Request {
	groups := map[uuid.UUID][]catalog.Request{}
	for _, request := range requests {
		groups[request.RuleID] = append(groups[request.RuleID], request)
	}
	return groups
}

// finishDone settles one rule's batch of DONE requests: replicas go
// AVAILABLE, locks go OK, requests are archived.
func (chore *Chore) finishDone(ctx context.Context, batch []catalog.Request) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		updates := make([]catalog.ReplicaStateUpdate, 0, len(batch))
		for _, request := range batch {
			updates = append(updates, catalog.ReplicaStateUpdate{
				RSEID: request.DestRSEID, DID: request.DID,
				State: catalog.ReplicaAvailable,
			})
		}

		err := tx.UpdateReplicasStates(ctx, updates, true)
		if err != nil {
			if !catalog.ErrReplicaNotFound.Has(err) {
				return err
			}
			// fall back one-by-one and quarantine what is genuinely missing
			for i, update := range updates {
				err := tx.UpdateReplicaState(ctx, update, true)
				if err == nil {
					continue
				}
				if !catalog.ErrReplicaNotFound.Has(err) {
					return err
				}
				if err := chore.quarantine(ctx, tx, batch[i]); err != nil {
					return err
				}
			}
		}

		for _, request := range batch {
			if err := chore.settleDone(ctx, tx, request); err != nil {
				return err
			}
		}
		mon.IntVal("requests_finished").Observe(int64(len(batch)))
		return nil
	})
}

// quarantine registers a tombstoned replica for bytes that landed without a
// replica row to account for them.
func (chore *Chore) quarantine(ctx context.Context, tx *catalog.Tx, request catalog.Request) error {
	mon.Event("dark_data_quarantined")
	chore.log.Warn("transfer landed without a replica row, quarantining",
		zap.Stringer("request", request.ID), zap.Stringer("did", request.DID))

	err := tx.AddReplicas(ctx, request.DestRSEID, "", []catalog.AddReplica{{
		DID: request.DID, State: catalog.ReplicaAvailable,
		Bytes: request.Bytes, Adler32: request.Adler32, MD5: request.MD5,
	}})
	if err != nil && !catalog.ErrDuplicate.Has(err) {
		return err
	}
	return tx.TombstoneReplicaIfUnlocked(ctx, request.DestRSEID, request.DID)
}

// settleDone finishes one DONE request inside the batch transaction.
func (chore *Chore) settleDone(ctx context.Context, tx *catalog.Tx, request catalog.Request) error {
	dest, err := chore.rse(ctx, request.DestRSEID)
	if err != nil {
		return err
	}

	// non-deterministic destinations remember where the bytes landed
	if !dest.Deterministic && request.DestURL != nil {
		if err := chore.storePath(ctx, tx, dest, request); err != nil {
			return err
		}
	}

	// multi-source transfers resolve which element actually served
	if request.SrcURL != nil {
		matched, err := chore.service.MatchSourceRSE(ctx, request.DID, *request.SrcURL)
		if err != nil {
			return err
		}
		if matched != nil && (request.SrcRSEID == nil || *request.SrcRSEID != *matched) {
			if err := tx.SetRequestSource(ctx, request.ID, matched, request.SrcURL); err != nil {
				return err
			}
		}
	}

	if err := chore.engine.HandleTransferOK(ctx, tx, request.DestRSEID, request.DID); err != nil {
		return err
	}
	return tx.ArchiveRequest(ctx, request.ID)
}

func (chore *Chore) storePath(ctx context.Context, tx *catalog.Tx, dest catalog.RSE, request catalog.Request) error {
	protocols, err := chore.db.ListProtocols(ctx, dest.ID)
	if err != nil {
		return Error.Wrap(err)
	}
	protocol, ok := conveyor.SelectProtocol(protocols, conveyor.OpWrite)
	if !ok {
		return nil
	}
	relative, ok := conveyor.RelativePath(protocol, *request.DestURL)
	if !ok {
		return nil
	}
	return tx.SetReplicaPath(ctx, request.DestRSEID, request.DID, relative)
}

// finishFailed retries a failed request while attempts remain, otherwise
// marks the destination replica UNAVAILABLE and lets the rule engine stick
// the locks.
func (chore *Chore) finishFailed(ctx context.Context, request catalog.Request) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		if request.RetryCount < chore.service.Config().RetryLimit {
			_, err := tx.RequeueRequest(ctx, request.ID)
			if err == nil {
				mon.Event("request_requeued")
			}
			return err
		}

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
		mon.Event("request_exhausted")
		return tx.ArchiveRequest(ctx, request.ID)
	})
}

// sweepStuckSubmitting requeues requests sitting in SUBMITTING longer than
// the stuck timeout; exhausted ones take the failure path.
func (chore *Chore) sweepStuckSubmitting(ctx context.Context, part catalog.Partition) (err error) {
	defer mon.Task()(&ctx)(&err)

	cutoff := chore.nowFn().UTC().Add(-chore.service.Config().SubmitStuckTimeout)
	stuck, err := chore.next(ctx, catalog.RequestSubmitting, part, &cutoff)
	if err != nil {
		return err
	}
	for _, request := range stuck {
		if err := ctx.Err(); err != nil {
			return err
		}
		mon.Event("request_stuck_submitting")
		if err := chore.finishFailed(ctx, request); err != nil {
			if catalog.ErrLockContention.Has(err) {
				continue
			}
			chore.log.Warn("sweeping stuck request failed",
				zap.Stringer("request", request.ID), zap.Error(err))
		}
	}
	return nil
}

func (chore *Chore) rse(ctx context.Context, id uuid.UUID) (catalog.RSE, error) {
	return chore.rses.Get(ctx, id.String(), func() (catalog.RSE, error) {
		return chore.db.GetRSE(ctx, id)
	})
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
