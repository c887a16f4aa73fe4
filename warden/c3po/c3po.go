// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package c3po suggests an extra replica destination for popular datasets.
package c3po

import (
	"context"
	"strings"
	"sync"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/common/uuid"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/rseexpr"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("c3po")
)

// Config configures the placement advisor.
type Config struct {
	Interval            time.Duration `help:"how often placement penalties decay" default:"10m" testDefault:"$TESTINTERVAL"`
	PopularityThreshold float64       `help:"popularity below which no placement happens" default:"10"`
	MaxReplicas         int           `help:"existing datadisk replicas at which placement declines" default:"5"`
	Expression          string        `help:"expression selecting the eligible elements" default:"tier=2&type=DATADISK"`
	WinnerPenalty       float64       `help:"penalty put on an element after winning a placement" default:"10"`
}

// PopularitySource reports how much a dataset is being asked for. The
// production feed is an external metric sink; tests and dev runs use the
// in-memory one.
type PopularitySource interface {
	Popularity(ctx context.Context, did catalog.DID) (float64, error)
}

// Decision is one placement suggestion.
type Decision struct {
	DID     catalog.DID
	RSEID   uuid.UUID
	RSEName string
	Rank    float64
}

// Advisor ranks the eligible storage elements by free space discounted by a
// recent-winner penalty. Penalties decay each tick so one element does not
// soak up every placement.
type Advisor struct {
	log         *zap.Logger
	db          *catalog.DB
	expressions *rseexpr.Evaluator
	popularity  PopularitySource
	config      Config

	mu        sync.Mutex
	penalties map[uuid.UUID]float64

	Loop *sync2.Cycle
}

// NewAdvisor constructs an Advisor.
func NewAdvisor(log *zap.Logger, db *catalog.DB, expressions *rseexpr.Evaluator, popularity PopularitySource, config Config) *Advisor {
	return &Advisor{
		log:         log,
		db:          db,
		expressions: expressions,
		popularity:  popularity,
		config:      config,
		penalties:   map[uuid.UUID]float64{},
		Loop:        sync2.NewCycle(config.Interval),
	}
}

// Run decays the penalties until the context is done.
func (advisor *Advisor) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return advisor.Loop.Run(ctx, func(ctx context.Context) error {
		advisor.Decay()
		return nil
	})
}

// Close stops the loop.
func (advisor *Advisor) Close() error {
	advisor.Loop.Close()
	return nil
}

// Place suggests where to put an extra replica of the dataset. A nil
// decision without error means the advisor declines: unknown name prefix,
// not popular enough, or already replicated widely enough.
func (advisor *Advisor) Place(ctx context.Context, did catalog.DID) (_ *Decision, err error) {
	defer mon.Task()(&ctx)(&err)

	if !strings.HasPrefix(did.Name, "data") && !strings.HasPrefix(did.Name, "mc") {
		mon.Event("placement_declined_prefix")
		return nil, nil
	}

	popularity, err := advisor.popularity.Popularity(ctx, did)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if popularity < advisor.config.PopularityThreshold {
		mon.Event("placement_declined_popularity")
		return nil, nil
	}

	eligible, err := advisor.expressions.Evaluate(ctx, advisor.config.Expression)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	eligibleSet := map[uuid.UUID]bool{}
	for _, id := range eligible {
		eligibleSet[id] = true
	}

	holders, err := advisor.db.ListDatasetReplicaRSEs(ctx, did)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	holding := 0
	holderSet := map[uuid.UUID]bool{}
	for _, id := range holders {
		holderSet[id] = true
		if eligibleSet[id] {
			holding++
		}
	}
	if holding >= advisor.config.MaxReplicas {
		mon.Event("placement_declined_replicas")
		return nil, nil
	}

	best, found, err := advisor.rank(ctx, eligible, holderSet)
	if err != nil {
		return nil, err
	}
	if !found {
		mon.Event("placement_declined_no_candidates")
		return nil, nil
	}

	best.DID = did
	advisor.mu.Lock()
	advisor.penalties[best.RSEID] = advisor.config.WinnerPenalty
	advisor.mu.Unlock()

	mon.Event("placement_suggested")
	return &best, nil
}

// rank scores free/total × 100 / penalty and picks the best candidate; ties
// break by element id.
func (advisor *Advisor) rank(ctx context.Context, eligible []uuid.UUID, exclude map[uuid.UUID]bool) (best Decision, found bool, err error) {
	defer mon.Task()(&ctx)(&err)

	for _, id := range eligible {
		if exclude[id] {
			continue
		}
		rse, err := advisor.db.GetRSE(ctx, id)
		if err != nil {
			return Decision{}, false, err
		}
		if !rse.CanWrite() {
			continue
		}
		usage, err := advisor.db.GetRSEUsage(ctx, id)
		if err != nil {
			return Decision{}, false, err
		}
		total := usage.Used + usage.Free
		if total <= 0 {
			continue
		}

		rank := float64(usage.Free) / float64(total) * 100 / advisor.penalty(id)
		if !found || rank > best.Rank {
			best = Decision{RSEID: id, RSEName: rse.Name, Rank: rank}
			found = true
		}
	}
	return best, found, nil
}

func (advisor *Advisor) penalty(id uuid.UUID) float64 {
	advisor.mu.Lock()
	defer advisor.mu.Unlock()

	if penalty, ok := advisor.penalties[id]; ok {
		return penalty
	}
	return 1
}

// Decay lowers every penalty by one, dropping those back at the floor.
func (advisor *Advisor) Decay() {
	advisor.mu.Lock()
	defer advisor.mu.Unlock()

	for id, penalty := range advisor.penalties {
		penalty--
		if penalty <= 1 {
			delete(advisor.penalties, id)
			continue
		}
		advisor.penalties[id] = penalty
	}
}

// MemoryPopularity is the in-memory popularity source.
type MemoryPopularity struct {
	mu     sync.Mutex
	counts map[catalog.DID]float64
}

// NewMemoryPopularity constructs an empty source.
func NewMemoryPopularity() *MemoryPopularity {
	return &MemoryPopularity{counts: map[catalog.DID]float64{}}
}

// Popularity reports the recorded popularity, zero when unknown.
func (m *MemoryPopularity) Popularity(ctx context.Context, did catalog.DID) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[did], nil
}

// Set records the popularity of a dataset.
func (m *MemoryPopularity) Set(did catalog.DID, popularity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[did] = popularity
}
