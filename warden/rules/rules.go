// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package rules implements the replication rule engine: admission,
// grounding into locks and transfer requests, re-evaluation and teardown.
package rules

import (
	"context"
	"math/rand"
	"sync"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/rseexpr"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the rule engine.
	Error = errs.Class("rules")

	// ErrInvalidReplicationRule is returned for rule specifications that
	// cannot be admitted.
	ErrInvalidReplicationRule = errs.Class("invalid replication rule")

	// ErrDuplicateRule is returned when an equivalent rule already exists.
	ErrDuplicateRule = errs.Class("duplicate rule")

	// ErrInsufficientAccountLimit is returned when grounding would exceed
	// the account's quota on a selected storage element.
	ErrInsufficientAccountLimit = errs.Class("insufficient account limit")

	// ErrAccessDenied is returned when deleting a locked rule.
	ErrAccessDenied = errs.Class("access denied")
)

// Spec describes one requested replication rule.
type Spec struct {
	Account       string
	Copies        int
	RSEExpression string
	Grouping      catalog.RuleGrouping
	Weight        string
	Lifetime      time.Duration
	Locked        bool

	SubscriptionID *uuid.UUID
}

// Verify checks the rule parameters before admission.
func (spec Spec) Verify() error {
	switch {
	case spec.Account == "":
		return ErrInvalidReplicationRule.New("account missing")
	case spec.Copies < 1:
		return ErrInvalidReplicationRule.New("copies must be positive, got %d", spec.Copies)
	case spec.RSEExpression == "":
		return ErrInvalidReplicationRule.New("rse expression missing")
	case spec.Lifetime < 0:
		return ErrInvalidReplicationRule.New("negative lifetime")
	}
	switch spec.Grouping {
	case catalog.GroupingNone, catalog.GroupingDataset, catalog.GroupingAll:
	default:
		return ErrInvalidReplicationRule.New("invalid grouping %q", spec.Grouping)
	}
	return nil
}

// Engine is the rule engine. All mutations run inside catalog transactions;
// expression resolution happens before a transaction opens.
type Engine struct {
	log         *zap.Logger
	db          *catalog.DB
	expressions *rseexpr.Evaluator

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewEngine constructs an Engine.
func NewEngine(log *zap.Logger, db *catalog.DB, expressions *rseexpr.Evaluator) *Engine {
	return &Engine{
		log:         log,
		db:          db,
		expressions: expressions,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// TestingSetRandom replaces the sampling source.
func (e *Engine) TestingSetRandom(rnd *rand.Rand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rnd = rnd
}

// AddRule admits one rule per root identifier atomically and returns the
// created rule ids in root order.
func (e *Engine) AddRule(ctx context.Context, dids []catalog.DID, spec Spec) (ids []uuid.UUID, err error) {
	return e.AddRules(ctx, dids, []Spec{spec})
}

// AddRules admits len(dids)×len(specs) rules in one transaction; either all
// are created or none. Returned ids are ordered spec-major, root-minor.
func (e *Engine) AddRules(ctx context.Context, dids []catalog.DID, specs []Spec) (ids []uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(dids) == 0 {
		return nil, ErrInvalidReplicationRule.New("no identifiers")
	}
	resolved := make([][]uuid.UUID, len(specs))
	for i, spec := range specs {
		if err := spec.Verify(); err != nil {
			return nil, err
		}
		// resolve before the transaction: the evaluator reads through its
		// own connection
		resolved[i], err = e.expressions.Evaluate(ctx, spec.RSEExpression)
		if err != nil {
			return nil, err
		}
	}

	err = e.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		ids = ids[:0]
		for i, spec := range specs {
			for _, did := range dids {
				id, err := e.addRule(ctx, tx, did, spec, resolved[i])
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	mon.IntVal("rules_added").Observe(int64(len(ids)))
	return ids, nil
}

func (e *Engine) addRule(ctx context.Context, tx *catalog.Tx, did catalog.DID, spec Spec, resolved []uuid.UUID) (_ uuid.UUID, err error) {
	entry, err := tx.GetDID(ctx, did)
	if err != nil {
		return uuid.UUID{}, err
	}

	duplicate, err := tx.HasDuplicateRule(ctx, spec.Account, did, spec.RSEExpression, spec.Copies, spec.Grouping)
	if err != nil {
		return uuid.UUID{}, err
	}
	if duplicate {
		return uuid.UUID{}, ErrDuplicateRule.New("rule for %s on %q already exists for account %q",
			did, spec.RSEExpression, spec.Account)
	}

	id, err := uuid.New()
	if err != nil {
		return uuid.UUID{}, Error.Wrap(err)
	}
	rule := catalog.Rule{
		ID:             id,
		SubscriptionID: spec.SubscriptionID,
		Account:        spec.Account,
		DID:            did,
		DIDType:        entry.Type,
		State:          catalog.RuleReplicating,
		RSEExpression:  spec.RSEExpression,
		Copies:         spec.Copies,
		Grouping:       spec.Grouping,
		Locked:         spec.Locked,
	}
	if spec.Weight != "" {
		weight := spec.Weight
		rule.Weight = &weight
	}
	if spec.Lifetime > 0 {
		expires := time.Now().UTC().Add(spec.Lifetime)
		rule.ExpiresAt = &expires
	}
	if err := tx.InsertRule(ctx, rule); err != nil {
		return uuid.UUID{}, err
	}

	if err := e.ground(ctx, tx, rule, resolved); err != nil {
		return uuid.UUID{}, err
	}
	return id, nil
}

// class is one grouping equivalence class: the files that must share the
// same destinations, plus the dataset they belong to when grouping creates
// dataset locks.
type class struct {
	dataset *catalog.DID
	files   []catalog.File
}

func classesFor(ctx context.Context, tx *catalog.Tx, rule catalog.Rule) ([]class, error) {
	if rule.DIDType == catalog.DIDFile {
		files, err := tx.ListFiles(ctx, rule.DID)
		if err != nil {
			return nil, err
		}
		return []class{{files: files}}, nil
	}

	switch rule.Grouping {
	case catalog.GroupingNone:
		files, err := tx.ListFiles(ctx, rule.DID)
		if err != nil {
			return nil, err
		}
		classes := make([]class, 0, len(files))
		for _, file := range files {
			classes = append(classes, class{files: []catalog.File{file}})
		}
		return classes, nil

	case catalog.GroupingDataset:
		datasets, err := tx.ListDatasets(ctx, rule.DID)
		if err != nil {
			return nil, err
		}
		var classes []class
		for _, dataset := range datasets {
			dataset := dataset
			files, err := tx.ListFiles(ctx, dataset)
			if err != nil {
				return nil, err
			}
			classes = append(classes, class{dataset: &dataset, files: files})
		}
		return classes, nil

	default: // ALL: one class; dataset locks for every covered dataset
		files, err := tx.ListFiles(ctx, rule.DID)
		if err != nil {
			return nil, err
		}
		return []class{{files: files}}, nil
	}
}

// ground chooses destinations for every grouping class of a fresh rule,
// creates locks and requests, and settles the rule counters and state.
func (e *Engine) ground(ctx context.Context, tx *catalog.Tx, rule catalog.Rule, resolved []uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	classes, err := classesFor(ctx, tx, rule)
	if err != nil {
		return err
	}

	type placement struct {
		class class
		rses  []catalog.RSE
	}
	var placements []placement
	quota := map[uuid.UUID]int64{}
	rsesByID := map[uuid.UUID]catalog.RSE{}

	for _, cls := range classes {
		if len(cls.files) == 0 {
			continue
		}
		selected, err := e.selectForClass(ctx, tx, rule, cls, resolved, nil)
		if err != nil {
			return err
		}
		for _, rse := range selected {
			rsesByID[rse.ID] = rse
			for _, file := range cls.files {
				quota[rse.ID] += file.Bytes
			}
		}
		placements = append(placements, placement{class: cls, rses: selected})
	}

	if err := e.checkQuota(ctx, tx, rule.Account, quota); err != nil {
		return err
	}

	var ok, replicating int
	for _, p := range placements {
		clsOK, clsReplicating, err := e.groundClass(ctx, tx, rule, p.class.files, p.rses)
		if err != nil {
			return err
		}
		ok += clsOK
		replicating += clsReplicating

		if err := e.createDatasetLocks(ctx, tx, rule, p.class, p.rses, clsReplicating == 0); err != nil {
			return err
		}
	}

	return tx.ApplyRuleCounterDelta(ctx, rule.ID, ok, replicating, 0)
}

// selectForClass builds the candidate set for one class and picks the
// rule's copies, excluding elements already holding a lock of this rule for
// the class.
func (e *Engine) selectForClass(ctx context.Context, tx *catalog.Tx, rule catalog.Rule, cls class, resolved []uuid.UUID, exclude map[uuid.UUID]bool) ([]catalog.RSE, error) {
	var candidates []candidate
	for _, id := range resolved {
		if exclude[id] {
			continue
		}
		rse, err := tx.GetRSE(ctx, id)
		if err != nil {
			return nil, err
		}
		if !rse.CanWrite() {
			continue
		}

		c := candidate{rse: rse}
		if rule.Weight != nil {
			attributes, err := tx.GetRSEAttributes(ctx, id)
			if err != nil {
				return nil, err
			}
			value, found := attributes[*rule.Weight]
			if !found {
				// elements without the weight attribute are not eligible
				continue
			}
			c.weight, err = parseWeight(*rule.Weight, value, id)
			if err != nil {
				return nil, err
			}
		} else {
			usage, err := tx.GetRSEUsage(ctx, id)
			if err != nil {
				return nil, err
			}
			if total := usage.Used + usage.Free; total > 0 {
				c.freeRatio = float64(usage.Free) / float64(total)
			}
			c.hasReplica, err = holdsAvailableReplicas(ctx, tx, id, cls.files)
			if err != nil {
				return nil, err
			}
		}
		candidates = append(candidates, c)
	}

	copies := rule.Copies - len(exclude)
	if copies <= 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return selectDestinations(e.rnd, candidates, copies, rule.Weight != nil)
}

func holdsAvailableReplicas(ctx context.Context, tx *catalog.Tx, rseID uuid.UUID, files []catalog.File) (bool, error) {
	for _, file := range files {
		replica, err := tx.GetReplica(ctx, rseID, file.DID)
		if err != nil {
			if catalog.ErrReplicaNotFound.Has(err) {
				return false, nil
			}
			return false, err
		}
		if replica.State != catalog.ReplicaAvailable {
			return false, nil
		}
	}
	return true, nil
}

// checkQuota validates the per-element account quota against the bytes the
// new locks would pin. Elements without an explicit limit are unlimited.
func (e *Engine) checkQuota(ctx context.Context, tx *catalog.Tx, account string, quota map[uuid.UUID]int64) error {
	for rseID, bytes := range quota {
		limit, found, err := tx.GetAccountLimit(ctx, account, rseID)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		usage, err := tx.GetAccountUsage(ctx, account, rseID)
		if err != nil {
			return err
		}
		if usage.Bytes+bytes > limit {
			return ErrInsufficientAccountLimit.New(
				"account %q needs %d bytes on rse %s, %d of %d used",
				account, bytes, rseID, usage.Bytes, limit)
		}
	}
	return nil
}

// groundClass creates the locks of one class on its chosen destinations. An
// available replica satisfies the lock immediately; anything else pins a
// copying replica and enqueues a transfer request.
func (e *Engine) groundClass(ctx context.Context, tx *catalog.Tx, rule catalog.Rule, files []catalog.File, rses []catalog.RSE) (ok, replicating int, err error) {
	var requests []catalog.QueueRequest

	for _, rse := range rses {
		for _, file := range files {
			replica, err := tx.GetReplica(ctx, rse.ID, file.DID)
			switch {
			case err == nil && replica.State == catalog.ReplicaAvailable:
				err = tx.CreateLock(ctx, catalog.Lock{
					RuleID: rule.ID, RSEID: rse.ID, DID: file.DID,
					State: catalog.LockOK, Bytes: file.Bytes,
				})
				if err != nil {
					return 0, 0, err
				}
				ok++
				continue

			case err != nil && catalog.ErrReplicaNotFound.Has(err):
				err = tx.AddReplicas(ctx, rse.ID, rule.Account, []catalog.AddReplica{{
					DID: file.DID, State: catalog.ReplicaCopying,
					Bytes: file.Bytes, Adler32: file.Adler32, MD5: file.MD5,
				}})
				if err != nil {
					return 0, 0, err
				}

			case err != nil:
				return 0, 0, err
			}

			err = tx.CreateLock(ctx, catalog.Lock{
				RuleID: rule.ID, RSEID: rse.ID, DID: file.DID,
				State: catalog.LockReplicating, Bytes: file.Bytes,
			})
			if err != nil {
				return 0, 0, err
			}
			replicating++
			requests = append(requests, catalog.QueueRequest{
				Type: catalog.RequestTransfer, DID: file.DID,
				DestRSEID: rse.ID, RuleID: rule.ID,
				Bytes: file.Bytes, Adler32: file.Adler32, MD5: file.MD5,
			})
		}
	}

	if len(requests) > 0 {
		if _, err := tx.QueueRequests(ctx, requests); err != nil {
			return 0, 0, err
		}
	}
	return ok, replicating, nil
}

// createDatasetLocks records the collection-level locks of a class's chosen
// destinations: its own dataset for DATASET grouping, every covered dataset
// for ALL.
func (e *Engine) createDatasetLocks(ctx context.Context, tx *catalog.Tx, rule catalog.Rule, cls class, rses []catalog.RSE, allOK bool) error {
	state := catalog.LockReplicating
	if allOK {
		state = catalog.LockOK
	}

	var datasets []catalog.DID
	switch rule.Grouping {
	case catalog.GroupingDataset:
		if cls.dataset == nil {
			return nil
		}
		datasets = []catalog.DID{*cls.dataset}
	case catalog.GroupingAll:
		var err error
		datasets, err = tx.ListDatasets(ctx, rule.DID)
		if err != nil {
			return err
		}
	default:
		return nil
	}

	for _, dataset := range datasets {
		for _, rse := range rses {
			err := tx.CreateDatasetLock(ctx, catalog.DatasetLock{
				RuleID: rule.ID, RSEID: rse.ID, DID: dataset, State: state,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteRule tears a rule down: cancels its requests, releases its locks,
// tombstones replicas nothing pins anymore and archives the rule. Locked
// rules refuse with ErrAccessDenied until unlocked.
func (e *Engine) DeleteRule(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	return e.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		rule, err := tx.GetRuleForUpdate(ctx, id, false)
		if err != nil {
			return err
		}
		if rule.Locked {
			return ErrAccessDenied.New("rule %s is locked", id)
		}

		if _, err := tx.CancelRuleRequests(ctx, id); err != nil {
			return err
		}

		locks, err := tx.ListRuleLocks(ctx, id)
		if err != nil {
			return err
		}
		for _, lock := range locks {
			remaining, err := tx.DeleteLock(ctx, lock.RuleID, lock.RSEID, lock.DID)
			if err != nil {
				return err
			}
			if remaining == 0 {
				if err := tx.TombstoneReplicaIfUnlocked(ctx, lock.RSEID, lock.DID); err != nil {
					return err
				}
			}
		}

		if err := tx.DeleteRuleDatasetLocks(ctx, id); err != nil {
			return err
		}
		return tx.DeleteRule(ctx, id)
	})
}

// SetLocked toggles deletion protection of a rule.
func (e *Engine) SetLocked(ctx context.Context, id uuid.UUID, locked bool) (err error) {
	defer mon.Task()(&ctx)(&err)
	return e.db.SetRuleLocked(ctx, id, locked)
}

// ReEvaluateRule recomputes the lock set of a rule against the current
// containment graph and applies the delta: locks appear for new files and
// disappear for detached ones. Contention on the rule row surfaces as
// catalog.ErrLockContention so that callers defer the unit.
func (e *Engine) ReEvaluateRule(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	rule, err := e.db.GetRule(ctx, id)
	if err != nil {
		return err
	}
	resolved, err := e.expressions.Evaluate(ctx, rule.RSEExpression)
	if err != nil {
		return err
	}

	return e.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		rule, err := tx.GetRuleForUpdate(ctx, id, true)
		if err != nil {
			return err
		}

		classes, err := classesFor(ctx, tx, rule)
		if err != nil {
			return err
		}
		locks, err := tx.ListRuleLocks(ctx, rule.ID)
		if err != nil {
			return err
		}

		held := map[catalog.DID][]catalog.Lock{}
		for _, lock := range locks {
			held[lock.DID] = append(held[lock.DID], lock)
		}
		required := map[catalog.DID]bool{}
		for _, cls := range classes {
			for _, file := range cls.files {
				required[file.DID] = true
			}
		}

		var dOK, dReplicating, dStuck int

		// locks of detached files go away
		for did, fileLocks := range held {
			if required[did] {
				continue
			}
			for _, lock := range fileLocks {
				remaining, err := tx.DeleteLock(ctx, lock.RuleID, lock.RSEID, lock.DID)
				if err != nil {
					return err
				}
				if remaining == 0 {
					if err := tx.TombstoneReplicaIfUnlocked(ctx, lock.RSEID, lock.DID); err != nil {
						return err
					}
				}
				switch lock.State {
				case catalog.LockOK:
					dOK--
				case catalog.LockReplicating:
					dReplicating--
				case catalog.LockStuck:
					dStuck--
				}
			}
			delete(held, did)
		}

		// new files get locks on the class's established destinations,
		// topped up by fresh selection where the class has none yet
		quota := map[uuid.UUID]int64{}
		type placement struct {
			files []catalog.File
			rses  []catalog.RSE
		}
		var placements []placement

		for _, cls := range classes {
			var missing []catalog.File
			for _, file := range cls.files {
				if len(held[file.DID]) == 0 {
					missing = append(missing, file)
				}
			}
			if len(missing) == 0 {
				continue
			}

			rses, err := e.classDestinations(ctx, tx, rule, cls, resolved)
			if err != nil {
				return err
			}
			for _, rse := range rses {
				for _, file := range missing {
					quota[rse.ID] += file.Bytes
				}
			}
			placements = append(placements, placement{files: missing, rses: rses})
		}

		if err := e.checkQuota(ctx, tx, rule.Account, quota); err != nil {
			return err
		}
		for _, p := range placements {
			ok, replicating, err := e.groundClass(ctx, tx, rule, p.files, p.rses)
			if err != nil {
				return err
			}
			dOK += ok
			dReplicating += replicating
		}

		return tx.ApplyRuleCounterDelta(ctx, rule.ID, dOK, dReplicating, dStuck)
	})
}

// classDestinations returns the destinations a class is bound to: the
// established lock set for ALL grouping, the dataset locks for DATASET
// grouping, a fresh selection otherwise.
func (e *Engine) classDestinations(ctx context.Context, tx *catalog.Tx, rule catalog.Rule, cls class, resolved []uuid.UUID) ([]catalog.RSE, error) {
	var established []uuid.UUID

	switch rule.Grouping {
	case catalog.GroupingAll:
		locks, err := tx.ListRuleLocks(ctx, rule.ID)
		if err != nil {
			return nil, err
		}
		seen := map[uuid.UUID]bool{}
		for _, lock := range locks {
			if !seen[lock.RSEID] {
				seen[lock.RSEID] = true
				established = append(established, lock.RSEID)
			}
		}

	case catalog.GroupingDataset:
		if cls.dataset != nil {
			datasetLocks, err := tx.ListRuleDatasetLocks(ctx, rule.ID)
			if err != nil {
				return nil, err
			}
			for _, lock := range datasetLocks {
				if lock.DID == *cls.dataset {
					established = append(established, lock.RSEID)
				}
			}
		}
	}

	rses := make([]catalog.RSE, 0, rule.Copies)
	exclude := map[uuid.UUID]bool{}
	for _, id := range established {
		if len(rses) == rule.Copies {
			break
		}
		rse, err := tx.GetRSE(ctx, id)
		if err != nil {
			return nil, err
		}
		rses = append(rses, rse)
		exclude[id] = true
	}
	if len(rses) == rule.Copies {
		return rses, nil
	}

	selected, err := e.selectForClass(ctx, tx, rule, cls, resolved, exclude)
	if err != nil {
		return nil, err
	}
	rses = append(rses, selected...)

	if err := e.createDatasetLocks(ctx, tx, rule, cls, selected, false); err != nil {
		return nil, err
	}
	return rses, nil
}

// HandleTransferOK transitions every replicating lock on the replica to OK
// and settles the owning rules' counters, serialized per rule by a nowait
// row lock.
func (e *Engine) HandleTransferOK(ctx context.Context, tx *catalog.Tx, rseID uuid.UUID, did catalog.DID) (err error) {
	defer mon.Task()(&ctx)(&err)

	locks, err := tx.ListReplicaLocks(ctx, rseID, did)
	if err != nil {
		return err
	}
	for _, lock := range locks {
		if lock.State != catalog.LockReplicating {
			continue
		}
		if _, err := tx.GetRuleForUpdate(ctx, lock.RuleID, true); err != nil {
			return err
		}
		if err := tx.SetLockState(ctx, lock.RuleID, lock.RSEID, lock.DID, catalog.LockOK); err != nil {
			return err
		}
		if err := tx.ApplyRuleCounterDelta(ctx, lock.RuleID, 1, -1, 0); err != nil {
			return err
		}
		if err := e.settleDatasetLocks(ctx, tx, lock.RuleID, lock.RSEID); err != nil {
			return err
		}
	}
	return nil
}

// HandleTransferFailed marks every replicating lock on the replica stuck
// once retries are exhausted.
func (e *Engine) HandleTransferFailed(ctx context.Context, tx *catalog.Tx, rseID uuid.UUID, did catalog.DID) (err error) {
	defer mon.Task()(&ctx)(&err)

	locks, err := tx.ListReplicaLocks(ctx, rseID, did)
	if err != nil {
		return err
	}
	for _, lock := range locks {
		if lock.State != catalog.LockReplicating {
			continue
		}
		if _, err := tx.GetRuleForUpdate(ctx, lock.RuleID, true); err != nil {
			return err
		}
		if err := tx.SetLockState(ctx, lock.RuleID, lock.RSEID, lock.DID, catalog.LockStuck); err != nil {
			return err
		}
		if err := tx.ApplyRuleCounterDelta(ctx, lock.RuleID, 0, -1, 1); err != nil {
			return err
		}
		mon.Event("lock_stuck")
	}
	return nil
}

// settleDatasetLocks flips a rule's dataset locks on an element to OK once
// no replicating file lock remains there.
func (e *Engine) settleDatasetLocks(ctx context.Context, tx *catalog.Tx, ruleID, rseID uuid.UUID) error {
	locks, err := tx.ListRuleLocks(ctx, ruleID)
	if err != nil {
		return err
	}
	for _, lock := range locks {
		if lock.RSEID == rseID && lock.State == catalog.LockReplicating {
			return nil
		}
	}

	datasetLocks, err := tx.ListRuleDatasetLocks(ctx, ruleID)
	if err != nil {
		return err
	}
	for _, lock := range datasetLocks {
		if lock.RSEID != rseID || lock.State == catalog.LockOK {
			continue
		}
		err := tx.SetDatasetLockState(ctx, lock.RuleID, lock.RSEID, lock.DID, catalog.LockOK)
		if err != nil {
			return err
		}
	}
	return nil
}

// MarkRuleStuck records an evaluation failure on the rule.
func (e *Engine) MarkRuleStuck(ctx context.Context, id uuid.UUID, cause error) (err error) {
	defer mon.Task()(&ctx)(&err)

	note := cause.Error()
	return e.db.WithTx(ctx, func(ctx context.Context, tx *catalog.Tx) error {
		return tx.SetRuleState(ctx, id, catalog.RuleStuck, &note)
	})
}
