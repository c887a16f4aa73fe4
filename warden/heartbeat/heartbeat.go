// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package heartbeat tracks live daemon workers and hands out the shard each
// worker is responsible for.
package heartbeat

import (
	"context"
	"os"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/drovelabs/drove/warden/catalog"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("heartbeat")
)

// Config configures liveness tracking.
type Config struct {
	Interval        time.Duration `help:"how often workers refresh their heartbeat" default:"30s" testDefault:"$TESTINTERVAL"`
	CleanupInterval time.Duration `help:"how often stale heartbeats are swept" default:"10m" testDefault:"$TESTINTERVAL"`
}

// Service refreshes the heartbeats of this process's daemons and assigns
// shard partitions over the workers currently alive.
type Service struct {
	log    *zap.Logger
	db     *catalog.DB
	config Config

	hostname string
	pid      int

	executables []string

	Loop *sync2.Cycle

	nowFn func() time.Time
}

// NewService constructs a Service. The executables are the daemon names this
// process beats for.
func NewService(log *zap.Logger, db *catalog.DB, config Config, executables []string) *Service {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Service{
		log:         log,
		db:          db,
		config:      config,
		hostname:    hostname,
		pid:         os.Getpid(),
		executables: executables,
		Loop:        sync2.NewCycle(config.Interval),
		nowFn:       time.Now,
	}
}

// Run refreshes the heartbeats until the context is done.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if err := service.Beat(ctx); err != nil {
			service.log.Error("heartbeat failed", zap.Error(err))
		}
		return nil
	})
}

// Beat refreshes the heartbeat of every registered executable once.
func (service *Service) Beat(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, executable := range service.executables {
		err := service.db.UpsertHeartbeat(ctx, executable, service.hostname, service.pid)
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Live returns the shard partition of this worker among the live workers of
// the executable. Workers not seen for two intervals no longer count. A
// worker absent from the live set treats itself as the sole worker.
func (service *Service) Live(ctx context.Context, executable string) (_ catalog.Partition, err error) {
	defer mon.Task()(&ctx)(&err)

	cutoff := service.nowFn().Add(-2 * service.config.Interval)
	beats, err := service.db.ListLiveHeartbeats(ctx, executable, cutoff)
	if err != nil {
		return catalog.All, Error.Wrap(err)
	}
	for i, beat := range beats {
		if beat.Hostname == service.hostname && beat.PID == service.pid {
			return catalog.Partition{Index: i, Total: len(beats)}, nil
		}
	}
	return catalog.All, nil
}

// Close stops the loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// TestingSetNow replaces the time source.
func (service *Service) TestingSetNow(now func() time.Time) {
	service.nowFn = now
}

// Cleanup sweeps heartbeats of workers gone for longer than four intervals.
type Cleanup struct {
	log     *zap.Logger
	db      *catalog.DB
	service *Service

	Loop *sync2.Cycle

	nowFn func() time.Time
}

// NewCleanup constructs the sweep chore.
func NewCleanup(log *zap.Logger, db *catalog.DB, service *Service) *Cleanup {
	return &Cleanup{
		log:     log,
		db:      db,
		service: service,
		Loop:    sync2.NewCycle(service.config.CleanupInterval),
		nowFn:   time.Now,
	}
}

// Run sweeps until the context is done.
func (cleanup *Cleanup) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return cleanup.Loop.Run(ctx, func(ctx context.Context) error {
		before := cleanup.nowFn().Add(-4 * cleanup.service.config.Interval)
		deleted, err := cleanup.db.DeleteStaleHeartbeats(ctx, before)
		if err != nil {
			cleanup.log.Error("sweeping stale heartbeats failed", zap.Error(err))
			return nil
		}
		if deleted > 0 {
			cleanup.log.Debug("swept stale heartbeats", zap.Int64("count", deleted))
		}
		return nil
	})
}

// Close stops the loop.
func (cleanup *Cleanup) Close() error {
	cleanup.Loop.Close()
	return nil
}

// TestingSetNow replaces the time source.
func (cleanup *Cleanup) TestingSetNow(now func() time.Time) {
	cleanup.nowFn = now
}
