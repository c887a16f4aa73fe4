// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"storj.io/common/uuid"
)

// Rule is a declarative replication goal over one root identifier.
type Rule struct {
	ID             uuid.UUID
	SubscriptionID *uuid.UUID
	Account        string
	DID
	DIDType       DIDType
	State         RuleState
	RSEExpression string
	Copies        int
	Grouping      RuleGrouping

	// Weight names the RSE attribute used for weighted destination
	// sampling; nil selects the free-space preference order.
	Weight *string

	Locked bool

	LocksOKCnt          int
	LocksReplicatingCnt int
	LocksStuckCnt       int

	ExpiresAt *time.Time
	Error     *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalLocks returns the lock count the rule accounts for.
func (rule Rule) TotalLocks() int {
	return rule.LocksOKCnt + rule.LocksReplicatingCnt + rule.LocksStuckCnt
}

const ruleColumns = `id, subscription_id, account, scope, name, did_type, state,
	rse_expression, copies, grouping, weight, locked,
	locks_ok_cnt, locks_replicating_cnt, locks_stuck_cnt,
	expires_at, error, created_at, updated_at`

func scanRule(row interface{ Scan(...interface{}) error }) (Rule, error) {
	var rule Rule
	var id string
	var subscriptionID, weight, errMsg sql.NullString
	var expiresAt sql.NullTime
	err := row.Scan(&id, &subscriptionID, &rule.Account, &rule.Scope, &rule.Name,
		&rule.DIDType, &rule.State, &rule.RSEExpression, &rule.Copies, &rule.Grouping,
		&weight, &rule.Locked,
		&rule.LocksOKCnt, &rule.LocksReplicatingCnt, &rule.LocksStuckCnt,
		&expiresAt, &errMsg, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return Rule{}, err
	}
	if rule.ID, err = parseUUID(id); err != nil {
		return Rule{}, err
	}
	if rule.SubscriptionID, err = parseNullUUID(subscriptionID); err != nil {
		return Rule{}, err
	}
	if weight.Valid {
		rule.Weight = &weight.String
	}
	if errMsg.Valid {
		rule.Error = &errMsg.String
	}
	if expiresAt.Valid {
		rule.ExpiresAt = &expiresAt.Time
	}
	return rule, nil
}

// InsertRule stores a freshly admitted rule.
func (tx *Tx) InsertRule(ctx context.Context, rule Rule) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := tx.now().UTC()
	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		INSERT INTO rules (
			id, subscription_id, account, scope, name, did_type, state,
			rse_expression, copies, grouping, weight, locked,
			locks_ok_cnt, locks_replicating_cnt, locks_stuck_cnt,
			expires_at, error, created_at, updated_at
		) VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? )
	`),
		rule.ID.String(), uuidOrNull(rule.SubscriptionID), rule.Account,
		rule.Scope, rule.Name, rule.DIDType, rule.State,
		rule.RSEExpression, rule.Copies, rule.Grouping, rule.Weight, rule.Locked,
		rule.LocksOKCnt, rule.LocksReplicatingCnt, rule.LocksStuckCnt,
		rule.ExpiresAt, rule.Error, now, now)
	if err != nil {
		if tx.isUniqueViolation(err) {
			return ErrDuplicate.New("rule %s", rule.ID)
		}
		return Error.Wrap(err)
	}
	return nil
}

// GetRule returns the rule by id.
func (o ops) GetRule(ctx context.Context, id uuid.UUID) (_ Rule, err error) {
	defer mon.Task()(&ctx)(&err)

	rule, err := scanRule(o.q.QueryRowContext(ctx, o.rebind(`
		SELECT `+ruleColumns+` FROM rules WHERE id = ?
	`), id.String()))
	if err != nil {
		if err == sql.ErrNoRows {
			return Rule{}, ErrRuleNotFound.New("%s", id)
		}
		return Rule{}, Error.Wrap(err)
	}
	return rule, nil
}

// GetRuleForUpdate returns the rule by id holding its row lock. With nowait
// a blocked acquisition surfaces as ErrLockContention so the caller can
// defer the unit.
func (tx *Tx) GetRuleForUpdate(ctx context.Context, id uuid.UUID, nowait bool) (_ Rule, err error) {
	defer mon.Task()(&ctx)(&err)

	rule, err := scanRule(tx.q.QueryRowContext(ctx, tx.rebind(`
		SELECT `+ruleColumns+` FROM rules WHERE id = ?
	`)+tx.forUpdate(nowait), id.String()))
	if err != nil {
		if err == sql.ErrNoRows {
			return Rule{}, ErrRuleNotFound.New("%s", id)
		}
		return Rule{}, tx.withContention(Error.Wrap(err))
	}
	return rule, nil
}

// ListRulesForDIDs returns the rules rooted at any of the identifiers.
func (o ops) ListRulesForDIDs(ctx context.Context, dids []DID) (_ []Rule, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(dids) == 0 {
		return nil, nil
	}

	var b strings.Builder
	args := make([]interface{}, 0, len(dids)*2)
	for i, did := range dids {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("( scope = ? AND name = ? )")
		args = append(args, did.Scope, did.Name)
	}

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT `+ruleColumns+` FROM rules WHERE `+b.String()+` ORDER BY created_at, id
	`), args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// HasDuplicateRule reports whether an equivalent rule already exists for the
// account: same root, expression, copies and grouping.
func (o ops) HasDuplicateRule(ctx context.Context, account string, did DID, expression string, copies int, grouping RuleGrouping) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var one int
	err = o.q.QueryRowContext(ctx, o.rebind(`
		SELECT 1 FROM rules
		WHERE account = ? AND scope = ? AND name = ?
			AND rse_expression = ? AND copies = ? AND grouping = ?
	`), account, did.Scope, did.Name, expression, copies, grouping).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, Error.Wrap(err)
	}
	return true, nil
}

// ListExpiredRules returns unlocked rules whose lifetime has passed.
func (o ops) ListExpiredRules(ctx context.Context, now time.Time, limit int) (_ []Rule, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := o.q.QueryContext(ctx, o.rebind(`
		SELECT `+ruleColumns+` FROM rules
		WHERE expires_at IS NOT NULL AND expires_at <= ? AND NOT locked
		ORDER BY expires_at
		LIMIT ?
	`), now.UTC(), limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errsCombine(err, rows.Close(), rows.Err())) }()

	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// SetRuleLocked toggles deletion protection.
func (o ops) SetRuleLocked(ctx context.Context, id uuid.UUID, locked bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := o.q.ExecContext(ctx, o.rebind(`
		UPDATE rules SET locked = ?, updated_at = ? WHERE id = ?
	`), locked, o.now().UTC(), id.String())
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrRuleNotFound.New("%s", id)
	}
	return nil
}

// ApplyRuleCounterDelta shifts the lock counters of a rule and recomputes
// its state from them. A suspended rule keeps its state.
func (tx *Tx) ApplyRuleCounterDelta(ctx context.Context, id uuid.UUID, dOK, dReplicating, dStuck int) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		UPDATE rules SET
			locks_ok_cnt = locks_ok_cnt + ?,
			locks_replicating_cnt = locks_replicating_cnt + ?,
			locks_stuck_cnt = locks_stuck_cnt + ?,
			updated_at = ?
		WHERE id = ?
	`), dOK, dReplicating, dStuck, tx.now().UTC(), id.String())
	if err != nil {
		return Error.Wrap(err)
	}
	return tx.recomputeRuleState(ctx, id)
}

func (tx *Tx) recomputeRuleState(ctx context.Context, id uuid.UUID) error {
	rule, err := tx.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if rule.State == RuleSuspended {
		return nil
	}

	state := RuleOK
	switch {
	case rule.LocksStuckCnt > 0:
		state = RuleStuck
	case rule.LocksReplicatingCnt > 0:
		state = RuleReplicating
	}
	if state == rule.State {
		return nil
	}
	return tx.setRuleState(ctx, id, state, rule.Error)
}

// SetRuleState forces the rule into a state with an optional error note.
func (tx *Tx) SetRuleState(ctx context.Context, id uuid.UUID, state RuleState, note *string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return tx.setRuleState(ctx, id, state, note)
}

func (tx *Tx) setRuleState(ctx context.Context, id uuid.UUID, state RuleState, note *string) error {
	result, err := tx.q.ExecContext(ctx, tx.rebind(`
		UPDATE rules SET state = ?, error = ?, updated_at = ? WHERE id = ?
	`), state, note, tx.now().UTC(), id.String())
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrRuleNotFound.New("%s", id)
	}
	return nil
}

// DeleteRule archives the rule row and removes it. The engine tears down
// locks and requests before calling this.
func (tx *Tx) DeleteRule(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	rule, err := tx.GetRule(ctx, id)
	if err != nil {
		return err
	}

	_, err = tx.q.ExecContext(ctx, tx.rebind(`
		INSERT INTO rules_history (
			id, subscription_id, account, scope, name, did_type, state,
			rse_expression, copies, grouping, weight, locked,
			locks_ok_cnt, locks_replicating_cnt, locks_stuck_cnt,
			expires_at, error, created_at, deleted_at
		) VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? )
	`),
		rule.ID.String(), uuidOrNull(rule.SubscriptionID), rule.Account,
		rule.Scope, rule.Name, rule.DIDType, rule.State,
		rule.RSEExpression, rule.Copies, rule.Grouping, rule.Weight, rule.Locked,
		rule.LocksOKCnt, rule.LocksReplicatingCnt, rule.LocksStuckCnt,
		rule.ExpiresAt, rule.Error, rule.CreatedAt, tx.now().UTC())
	if err != nil {
		return Error.Wrap(err)
	}

	_, err = tx.q.ExecContext(ctx, tx.rebind(`DELETE FROM rules WHERE id = ?`), id.String())
	return Error.Wrap(err)
}

// GetRuleHistory returns an archived rule.
func (o ops) GetRuleHistory(ctx context.Context, id uuid.UUID) (_ Rule, err error) {
	defer mon.Task()(&ctx)(&err)

	rule, err := scanRule(o.q.QueryRowContext(ctx, o.rebind(`
		SELECT id, subscription_id, account, scope, name, did_type, state,
			rse_expression, copies, grouping, weight, locked,
			locks_ok_cnt, locks_replicating_cnt, locks_stuck_cnt,
			expires_at, error, created_at, deleted_at
		FROM rules_history WHERE id = ?
	`), id.String()))
	if err != nil {
		if err == sql.ErrNoRows {
			return Rule{}, ErrRuleNotFound.New("%s", id)
		}
		return Rule{}, Error.Wrap(err)
	}
	return rule, nil
}
