// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package rseexpr

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/drovelabs/drove/private/lrucache"
	"github.com/drovelabs/drove/warden/catalog"
)

// Config configures the evaluator cache.
type Config struct {
	CacheExpiration time.Duration `help:"how long evaluated expressions stay cached" default:"1h" testDefault:"1h"`
	CacheCapacity   int           `help:"how many evaluated expressions to keep cached" default:"1000"`
}

// Evaluator resolves expressions into sets of storage element ids. Results
// are cached per expression string and invalidated whenever any attribute
// mutation bumps the catalog's attribute generation.
type Evaluator struct {
	log *zap.Logger
	db  *catalog.DB

	cache *lrucache.ExpiringLRUOf[[]uuid.UUID]

	mu         sync.Mutex
	generation int64
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(log *zap.Logger, db *catalog.DB, config Config) *Evaluator {
	return &Evaluator{
		log: log,
		db:  db,
		cache: lrucache.NewOf[[]uuid.UUID](lrucache.Options{
			Expiration: config.CacheExpiration,
			Capacity:   config.CacheCapacity,
			Name:       "rse-expressions",
		}),
		generation: -1,
	}
}

// Evaluate returns the sorted set of storage element ids the expression
// selects. An empty result is not an error.
func (evaluator *Evaluator) Evaluate(ctx context.Context, expression string) (_ []uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	tree, err := Parse(expression)
	if err != nil {
		return nil, err
	}

	generation, err := evaluator.db.AttributeGeneration(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	evaluator.mu.Lock()
	if generation != evaluator.generation {
		evaluator.cache.DeleteAll(ctx)
		evaluator.generation = generation
	}
	evaluator.mu.Unlock()

	ids, err := evaluator.cache.Get(ctx, expression, func() ([]uuid.UUID, error) {
		base, err := evaluator.loadBase(ctx)
		if err != nil {
			return nil, err
		}
		return base.evaluate(tree), nil
	})
	if err != nil {
		return nil, err
	}

	// callers mutate their candidate slices during selection
	result := make([]uuid.UUID, len(ids))
	copy(result, ids)
	return result, nil
}

// base is the full attribute relation, keyed per attribute for set
// evaluation. Element names are implicit attributes.
type base struct {
	byKey map[string]map[uuid.UUID]string
	all   map[uuid.UUID]struct{}
}

func (evaluator *Evaluator) loadBase(ctx context.Context) (*base, error) {
	rses, err := evaluator.db.ListRSEs(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	attributes, err := evaluator.db.ListRSEAttributes(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	b := &base{
		byKey: map[string]map[uuid.UUID]string{},
		all:   map[uuid.UUID]struct{}{},
	}
	set := func(id uuid.UUID, key, value string) {
		values, ok := b.byKey[key]
		if !ok {
			values = map[uuid.UUID]string{}
			b.byKey[key] = values
		}
		values[id] = value
	}
	for _, rse := range rses {
		b.all[rse.ID] = struct{}{}
		set(rse.ID, "name", rse.Name)
		// a bare element name selects the element itself
		set(rse.ID, rse.Name, "true")
	}
	for _, attribute := range attributes {
		set(attribute.RSEID, attribute.Key, attribute.Value)
	}
	return b, nil
}

func (b *base) evaluate(tree node) []uuid.UUID {
	set := b.evaluateSet(tree)
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

func (b *base) evaluateSet(tree node) map[uuid.UUID]struct{} {
	switch n := tree.(type) {
	case atom:
		return b.evaluateAtom(n)
	case operation:
		left := b.evaluateSet(n.left)
		right := b.evaluateSet(n.right)
		switch n.op {
		case '&':
			result := map[uuid.UUID]struct{}{}
			for id := range left {
				if _, ok := right[id]; ok {
					result[id] = struct{}{}
				}
			}
			return result
		case '|':
			result := make(map[uuid.UUID]struct{}, len(left)+len(right))
			for id := range left {
				result[id] = struct{}{}
			}
			for id := range right {
				result[id] = struct{}{}
			}
			return result
		case '\\':
			result := map[uuid.UUID]struct{}{}
			for id := range left {
				if _, ok := right[id]; !ok {
					result[id] = struct{}{}
				}
			}
			return result
		}
	}
	return map[uuid.UUID]struct{}{}
}

func (b *base) evaluateAtom(a atom) map[uuid.UUID]struct{} {
	result := map[uuid.UUID]struct{}{}
	for id, value := range b.byKey[a.key] {
		if matches(a, value) {
			result[id] = struct{}{}
		}
	}
	return result
}

func matches(a atom, value string) bool {
	switch a.compare {
	case compareExists:
		return true
	case compareEqual:
		return value == a.value
	case compareLess:
		return compareValues(value, a.value) < 0
	case compareGreater:
		return compareValues(value, a.value) > 0
	}
	return false
}

// compareValues compares numerically when both sides parse as integers,
// lexicographically otherwise.
func compareValues(left, right string) int {
	l, lerr := strconv.ParseInt(left, 10, 64)
	r, rerr := strconv.ParseInt(right, 10, 64)
	if lerr == nil && rerr == nil {
		switch {
		case l < r:
			return -1
		case l > r:
			return 1
		}
		return 0
	}
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	}
	return 0
}
