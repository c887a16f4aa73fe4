// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package poller bulk-queries the external transfer tool for outstanding
// submitted requests and feeds the outcomes back into the state machine.
package poller

import (
	"context"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/conveyor"
	"github.com/drovelabs/drove/warden/conveyor/transfertool"
	"github.com/drovelabs/drove/warden/heartbeat"
)

// Executable is the daemon name used for shard assignment.
const Executable = "conveyor-poller"

var (
	mon = monkit.Package()

	// Error is the default error class for the chore.
	Error = errs.Class("poller")
)

// Config configures the polling chore.
type Config struct {
	Interval  time.Duration `help:"how often outstanding transfers are polled" default:"30s" testDefault:"$TESTINTERVAL"`
	ChunkSize int           `help:"how many outstanding transfers to poll per tick" default:"200"`
	BulkSize  int           `help:"how many transfers go into one bulk query" default:"50"`
}

// Chore polls SUBMITTED transfers. A transfer the tool no longer knows is
// lost wholesale; a failed query leaves its transfers untouched.
type Chore struct {
	log       *zap.Logger
	db        *catalog.DB
	service   *conveyor.Service
	heartbeat *heartbeat.Service
	config    Config

	Loop *sync2.Cycle
}

// NewChore constructs the chore.
func NewChore(log *zap.Logger, db *catalog.DB, service *conveyor.Service, heartbeat *heartbeat.Service, config Config) *Chore {
	return &Chore{
		log:       log,
		db:        db,
		service:   service,
		heartbeat: heartbeat,
		config:    config,
		Loop:      sync2.NewCycle(config.Interval),
	}
}

// Run polls until the context is done.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("polling tick failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce polls one chunk of this worker's outstanding transfers.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	part, err := chore.heartbeat.Live(ctx, Executable)
	if err != nil {
		return Error.Wrap(err)
	}

	transfers, err := chore.db.ListSubmittedTransfers(ctx, part, chore.config.ChunkSize)
	if err != nil {
		return Error.Wrap(err)
	}

	byHost := map[string][]string{}
	for _, transfer := range transfers {
		byHost[transfer.Host] = append(byHost[transfer.Host], transfer.ID)
	}

	for host, ids := range byHost {
		for len(ids) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			bulk := ids
			if len(bulk) > chore.config.BulkSize {
				bulk = bulk[:chore.config.BulkSize]
			}
			ids = ids[len(bulk):]

			if err := chore.poll(ctx, host, bulk); err != nil {
				chore.log.Warn("bulk query failed",
					zap.String("host", host), zap.Error(err))
				mon.Event("poll_query_failed")
			}
		}
	}
	return nil
}

// poll queries one bulk of transfers and applies the outcomes.
func (chore *Chore) poll(ctx context.Context, host string, transferIDs []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := chore.service.Tools().Dial(ctx, host)
	if err != nil {
		return Error.Wrap(err)
	}
	statuses, err := client.BulkQuery(ctx, transferIDs)
	if err != nil {
		return Error.Wrap(err)
	}

	for _, transferID := range transferIDs {
		status, known := statuses[transferID]
		switch {
		case !known:
			// the query for this transfer failed; leave it untouched
			mon.Event("poll_transfer_skipped")

		case status == nil:
			if err := chore.lost(ctx, transferID); err != nil {
				return err
			}

		default:
			for _, file := range status.Files {
				request, err := chore.db.GetRequest(ctx, file.RequestID)
				if err != nil {
					if catalog.ErrRequestNotFound.Has(err) {
						continue
					}
					return Error.Wrap(err)
				}
				if _, err := chore.service.UpdateRequestState(ctx, request, transferID, file); err != nil {
					return Error.Wrap(err)
				}
			}
		}

		if err := chore.db.TouchRequestsByExternalID(ctx, transferID); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// lost transitions every request of a vanished transfer.
func (chore *Chore) lost(ctx context.Context, transferID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	mon.Event("transfer_lost")
	requests, err := chore.db.ListRequestsByExternalID(ctx, transferID)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, request := range requests {
		_, err := chore.service.UpdateRequestState(ctx, request, transferID, transfertool.FileStatus{
			RequestID: request.ID,
			NewState:  catalog.RequestLost,
			Reason:    "transfer vanished from the external tool",
		})
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Close stops the loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
