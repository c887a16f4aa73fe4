// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package transmogrifier matches newly registered identifiers against the
// active subscriptions and synthesizes their replication rules.
package transmogrifier

import (
	"context"
	"sync"
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
const Executable = "transmogrifier"

var (
	mon = monkit.Package()

	// Error is the default error class for the chore.
	Error = errs.Class("transmogrifier")
)

// Config configures the subscription matcher.
type Config struct {
	Interval  time.Duration `help:"how often new identifiers are matched" default:"1m" testDefault:"$TESTINTERVAL"`
	ChunkSize int           `help:"how many identifiers go into one worker job" default:"400"`
	MaxDIDs   int           `help:"how many identifiers to take per tick" default:"10000"`
	Workers   int           `help:"how many jobs run in parallel" default:"4"`
}

type jobStatus int

const (
	jobPending jobStatus = iota
	jobRunning
	jobComplete
	jobFailed
)

// job is one chunk of identifiers processed by a worker.
type job struct {
	entries []catalog.DIDEntry

	mu     sync.Mutex
	status jobStatus
	err    error
}

func (j *job) setStatus(status jobStatus, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = status
	j.err = err
}

func (j *job) failed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status == jobFailed
}

// Chore is the supervisor: it chunks the new-identifier backlog into jobs
// and dispatches them to a bounded worker pool. A batch whose jobs all fail
// is resubmitted once before being parked for the next tick.
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

// Run matches until the context is done.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("matching tick failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce takes one tick's worth of new identifiers and matches them.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	part, err := chore.heartbeat.Live(ctx, Executable)
	if err != nil {
		return Error.Wrap(err)
	}

	entries, err := chore.db.ListNewDIDs(ctx, chore.config.MaxDIDs, part)
	if err != nil {
		return Error.Wrap(err)
	}
	if len(entries) == 0 {
		return nil
	}
	mon.IntVal("new_dids").Observe(int64(len(entries)))

	matchers, err := chore.activeMatchers(ctx)
	if err != nil {
		return err
	}

	var jobs []*job
	for start := 0; start < len(entries); start += chore.config.ChunkSize {
		end := start + chore.config.ChunkSize
		if end > len(entries) {
			end = len(entries)
		}
		jobs = append(jobs, &job{entries: entries[start:end]})
	}

	chore.runBatch(ctx, jobs, matchers)

	allFailed := true
	for _, j := range jobs {
		if !j.failed() {
			allFailed = false
			break
		}
	}
	if allFailed {
		// one resubmission with the original payloads, then park the batch
		chore.log.Warn("every job of the batch failed, resubmitting once")
		for _, j := range jobs {
			j.setStatus(jobPending, nil)
		}
		chore.runBatch(ctx, jobs, matchers)

		for _, j := range jobs {
			if j.failed() {
				chore.log.Error("batch parked after repeated total failure",
					zap.Int("jobs", len(jobs)))
				mon.Event("batch_parked")
				break
			}
		}
	}
	return nil
}

// activeMatchers compiles the active subscriptions; a subscription whose
// filter does not compile goes BROKEN.
func (chore *Chore) activeMatchers(ctx context.Context) (_ []*matcher, err error) {
	defer mon.Task()(&ctx)(&err)

	subs, err := chore.db.ListSubscriptions(ctx, catalog.SubscriptionActive)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var matchers []*matcher
	for _, sub := range subs {
		m, err := compileMatcher(sub)
		if err != nil {
			chore.log.Error("marking subscription broken",
				zap.String("subscription", sub.Name), zap.Error(err))
			if err := chore.db.SetSubscriptionState(ctx, sub.ID, catalog.SubscriptionBroken); err != nil {
				return nil, Error.Wrap(err)
			}
			continue
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}

// runBatch dispatches the jobs to a bounded worker pool and waits.
func (chore *Chore) runBatch(ctx context.Context, jobs []*job, matchers []*matcher) {
	queue := make(chan *job)
	var wg sync.WaitGroup

	workers := chore.config.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				j.setStatus(jobRunning, nil)
				if err := chore.process(ctx, j, matchers); err != nil {
					chore.log.Warn("job failed", zap.Error(err))
					j.setStatus(jobFailed, err)
					continue
				}
				j.setStatus(jobComplete, nil)
			}
		}()
	}

	for _, j := range jobs {
		queue <- j
	}
	close(queue)
	wg.Wait()
}

// process matches one job's identifiers and marks them processed. File
// identifiers skip evaluation entirely.
func (chore *Chore) process(ctx context.Context, j *job, matchers []*matcher) (err error) {
	defer mon.Task()(&ctx)(&err)

	processed := make([]catalog.DID, 0, len(j.entries))
	for _, entry := range j.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.Type != catalog.DIDFile {
			if err := chore.match(ctx, entry, matchers); err != nil {
				return err
			}
		}
		processed = append(processed, entry.DID)
	}
	return Error.Wrap(chore.db.SetDIDsProcessed(ctx, processed))
}

// match submits one rule per template of every matching subscription.
// Admission rejections are logged and skipped, everything else fails the
// job.
func (chore *Chore) match(ctx context.Context, entry catalog.DIDEntry, matchers []*matcher) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, m := range matchers {
		if !m.matches(entry, entry.Metadata) {
			continue
		}
		mon.Event("subscription_matched")

		for _, spec := range m.specs() {
			_, err := chore.engine.AddRule(ctx, []catalog.DID{entry.DID}, spec)
			switch {
			case err == nil:

			case rules.ErrInvalidReplicationRule.Has(err),
				rules.ErrDuplicateRule.Has(err),
				rules.ErrInsufficientAccountLimit.Has(err):
				chore.log.Info("skipping rule template",
					zap.String("subscription", m.sub.Name),
					zap.Stringer("did", entry.DID), zap.Error(err))

			default:
				return Error.Wrap(err)
			}
		}
		if err := chore.db.TouchSubscription(ctx, m.sub.ID); err != nil {
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
