// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"database/sql/driver"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the catalog.
	Error = errs.Class("catalog")

	// ErrScopeNotFound is returned when a scope does not exist.
	ErrScopeNotFound = errs.Class("scope not found")
	// ErrDataIdentifierNotFound is returned when a DID does not exist.
	ErrDataIdentifierNotFound = errs.Class("data identifier not found")
	// ErrRSENotFound is returned when an RSE does not exist.
	ErrRSENotFound = errs.Class("rse not found")
	// ErrReplicaNotFound is returned when a replica does not exist.
	ErrReplicaNotFound = errs.Class("replica not found")
	// ErrRuleNotFound is returned when a rule does not exist.
	ErrRuleNotFound = errs.Class("rule not found")
	// ErrRequestNotFound is returned when a request does not exist.
	ErrRequestNotFound = errs.Class("request not found")
	// ErrSubscriptionNotFound is returned when a subscription does not exist.
	ErrSubscriptionNotFound = errs.Class("subscription not found")
	// ErrDuplicate is returned when an insert conflicts with an existing row.
	ErrDuplicate = errs.Class("duplicate")
	// ErrUnsupportedOperation is returned for operations the containment
	// rules forbid, e.g. attaching a file to a container or detaching from
	// a monotonic collection.
	ErrUnsupportedOperation = errs.Class("unsupported operation")
	// ErrUnsupportedStatus is returned for forbidden status transitions,
	// e.g. reopening a closed collection.
	ErrUnsupportedStatus = errs.Class("unsupported status")
	// ErrLockContention is returned when a nowait row acquisition found the
	// row locked by another transaction. Callers defer the unit of work.
	ErrLockContention = errs.Class("lock contention")
)

// errsCombine shortens the deferred rows cleanup in list queries.
var errsCombine = errs.Combine

// Partition restricts a sharded query to the rows of one worker: rows whose
// stable hash satisfies shard_hash % Total = Index.
type Partition struct {
	Index int
	Total int
}

// All is the partition covering every row.
var All = Partition{Index: 0, Total: 1}

// DID identifies a data identifier within a scope.
type DID struct {
	Scope string
	Name  string
}

// String returns the canonical scope:name form.
func (did DID) String() string { return did.Scope + ":" + did.Name }

// Less orders DIDs by (scope, name).
func (did DID) Less(other DID) bool {
	if did.Scope != other.Scope {
		return did.Scope < other.Scope
	}
	return did.Name < other.Name
}

// enumError reports an unknown stored code for the named enum.
func enumError(name string, value interface{}) error {
	return Error.New("unknown %s code %q", name, value)
}

func scanEnumByte(name string, value interface{}) (byte, error) {
	switch v := value.(type) {
	case string:
		if len(v) == 1 {
			return v[0], nil
		}
	case []byte:
		if len(v) == 1 {
			return v[0], nil
		}
	}
	return 0, enumError(name, value)
}

// DIDType is the kind of a data identifier.
type DIDType byte

// DIDType values.
const (
	DIDFile      = DIDType('F')
	DIDDataset   = DIDType('D')
	DIDContainer = DIDType('C')
)

// String returns the human readable kind.
func (t DIDType) String() string {
	switch t {
	case DIDFile:
		return "FILE"
	case DIDDataset:
		return "DATASET"
	case DIDContainer:
		return "CONTAINER"
	default:
		return "INVALID"
	}
}

// Value implements driver.Valuer.
func (t DIDType) Value() (driver.Value, error) {
	switch t {
	case DIDFile, DIDDataset, DIDContainer:
		return string(rune(t)), nil
	}
	return nil, enumError("did type", byte(t))
}

// Scan implements sql.Scanner.
func (t *DIDType) Scan(value interface{}) error {
	code, err := scanEnumByte("did type", value)
	if err != nil {
		return err
	}
	switch DIDType(code) {
	case DIDFile, DIDDataset, DIDContainer:
		*t = DIDType(code)
		return nil
	}
	return enumError("did type", code)
}

// IsCollection reports whether the kind can contain children.
func (t DIDType) IsCollection() bool {
	return t == DIDDataset || t == DIDContainer
}

// ReplicaState is the state of a physical replica.
type ReplicaState byte

// ReplicaState values.
const (
	ReplicaAvailable    = ReplicaState('A')
	ReplicaUnavailable  = ReplicaState('U')
	ReplicaCopying      = ReplicaState('C')
	ReplicaBeingDeleted = ReplicaState('D')
	ReplicaBad          = ReplicaState('B')
	ReplicaSource       = ReplicaState('S')
)

// String returns the human readable state.
func (s ReplicaState) String() string {
	switch s {
	case ReplicaAvailable:
		return "AVAILABLE"
	case ReplicaUnavailable:
		return "UNAVAILABLE"
	case ReplicaCopying:
		return "COPYING"
	case ReplicaBeingDeleted:
		return "BEING_DELETED"
	case ReplicaBad:
		return "BAD"
	case ReplicaSource:
		return "SOURCE"
	default:
		return "INVALID"
	}
}

// Value implements driver.Valuer.
func (s ReplicaState) Value() (driver.Value, error) {
	switch s {
	case ReplicaAvailable, ReplicaUnavailable, ReplicaCopying,
		ReplicaBeingDeleted, ReplicaBad, ReplicaSource:
		return string(rune(s)), nil
	}
	return nil, enumError("replica state", byte(s))
}

// Scan implements sql.Scanner.
func (s *ReplicaState) Scan(value interface{}) error {
	code, err := scanEnumByte("replica state", value)
	if err != nil {
		return err
	}
	switch ReplicaState(code) {
	case ReplicaAvailable, ReplicaUnavailable, ReplicaCopying,
		ReplicaBeingDeleted, ReplicaBad, ReplicaSource:
		*s = ReplicaState(code)
		return nil
	}
	return enumError("replica state", code)
}

// LockState is the state of a replica lock.
type LockState byte

// LockState values.
const (
	LockReplicating = LockState('R')
	LockOK          = LockState('O')
	LockStuck       = LockState('S')
)

// String returns the human readable state.
func (s LockState) String() string {
	switch s {
	case LockReplicating:
		return "REPLICATING"
	case LockOK:
		return "OK"
	case LockStuck:
		return "STUCK"
	default:
		return "INVALID"
	}
}

// Value implements driver.Valuer.
func (s LockState) Value() (driver.Value, error) {
	switch s {
	case LockReplicating, LockOK, LockStuck:
		return string(rune(s)), nil
	}
	return nil, enumError("lock state", byte(s))
}

// Scan implements sql.Scanner.
func (s *LockState) Scan(value interface{}) error {
	code, err := scanEnumByte("lock state", value)
	if err != nil {
		return err
	}
	switch LockState(code) {
	case LockReplicating, LockOK, LockStuck:
		*s = LockState(code)
		return nil
	}
	return enumError("lock state", code)
}

// RuleState is the state of a replication rule.
type RuleState byte

// RuleState values.
const (
	RuleReplicating = RuleState('R')
	RuleOK          = RuleState('O')
	RuleStuck       = RuleState('S')
	RuleSuspended   = RuleState('U')
)

// String returns the human readable state.
func (s RuleState) String() string {
	switch s {
	case RuleReplicating:
		return "REPLICATING"
	case RuleOK:
		return "OK"
	case RuleStuck:
		return "STUCK"
	case RuleSuspended:
		return "SUSPENDED"
	default:
		return "INVALID"
	}
}

// Value implements driver.Valuer.
func (s RuleState) Value() (driver.Value, error) {
	switch s {
	case RuleReplicating, RuleOK, RuleStuck, RuleSuspended:
		return string(rune(s)), nil
	}
	return nil, enumError("rule state", byte(s))
}

// Scan implements sql.Scanner.
func (s *RuleState) Scan(value interface{}) error {
	code, err := scanEnumByte("rule state", value)
	if err != nil {
		return err
	}
	switch RuleState(code) {
	case RuleReplicating, RuleOK, RuleStuck, RuleSuspended:
		*s = RuleState(code)
		return nil
	}
	return enumError("rule state", code)
}

// RuleGrouping determines how destinations correlate across the files of a
// rule.
type RuleGrouping byte

// RuleGrouping values.
const (
	GroupingNone    = RuleGrouping('N')
	GroupingDataset = RuleGrouping('D')
	GroupingAll     = RuleGrouping('A')
)

// String returns the human readable grouping.
func (g RuleGrouping) String() string {
	switch g {
	case GroupingNone:
		return "NONE"
	case GroupingDataset:
		return "DATASET"
	case GroupingAll:
		return "ALL"
	default:
		return "INVALID"
	}
}

// Value implements driver.Valuer.
func (g RuleGrouping) Value() (driver.Value, error) {
	switch g {
	case GroupingNone, GroupingDataset, GroupingAll:
		return string(rune(g)), nil
	}
	return nil, enumError("rule grouping", byte(g))
}

// Scan implements sql.Scanner.
func (g *RuleGrouping) Scan(value interface{}) error {
	code, err := scanEnumByte("rule grouping", value)
	if err != nil {
		return err
	}
	switch RuleGrouping(code) {
	case GroupingNone, GroupingDataset, GroupingAll:
		*g = RuleGrouping(code)
		return nil
	}
	return enumError("rule grouping", code)
}

// RequestType is the kind of a transfer request.
type RequestType byte

// RequestType values.
const (
	RequestTransfer = RequestType('T')
	RequestStageIn  = RequestType('I')
	RequestStageOut = RequestType('O')
)

// String returns the human readable type.
func (t RequestType) String() string {
	switch t {
	case RequestTransfer:
		return "TRANSFER"
	case RequestStageIn:
		return "STAGEIN"
	case RequestStageOut:
		return "STAGEOUT"
	default:
		return "INVALID"
	}
}

// Value implements driver.Valuer.
func (t RequestType) Value() (driver.Value, error) {
	switch t {
	case RequestTransfer, RequestStageIn, RequestStageOut:
		return string(rune(t)), nil
	}
	return nil, enumError("request type", byte(t))
}

// Scan implements sql.Scanner.
func (t *RequestType) Scan(value interface{}) error {
	code, err := scanEnumByte("request type", value)
	if err != nil {
		return err
	}
	switch RequestType(code) {
	case RequestTransfer, RequestStageIn, RequestStageOut:
		*t = RequestType(code)
		return nil
	}
	return enumError("request type", code)
}

// RequestState is the state of a transfer request.
type RequestState byte

// RequestState values.
const (
	RequestQueued           = RequestState('Q')
	RequestSubmitting       = RequestState('G')
	RequestSubmitted        = RequestState('S')
	RequestDone             = RequestState('D')
	RequestFailed           = RequestState('F')
	RequestLost             = RequestState('L')
	RequestNoSources        = RequestState('N')
	RequestSubmissionFailed = RequestState('X')
)

// String returns the human readable state.
func (s RequestState) String() string {
	switch s {
	case RequestQueued:
		return "QUEUED"
	case RequestSubmitting:
		return "SUBMITTING"
	case RequestSubmitted:
		return "SUBMITTED"
	case RequestDone:
		return "DONE"
	case RequestFailed:
		return "FAILED"
	case RequestLost:
		return "LOST"
	case RequestNoSources:
		return "NO_SOURCES"
	case RequestSubmissionFailed:
		return "SUBMISSION_FAILED"
	default:
		return "INVALID"
	}
}

// IsTerminal reports whether the state ends the request lifecycle.
func (s RequestState) IsTerminal() bool {
	switch s {
	case RequestDone, RequestFailed, RequestLost, RequestNoSources, RequestSubmissionFailed:
		return true
	}
	return false
}

// Value implements driver.Valuer.
func (s RequestState) Value() (driver.Value, error) {
	switch s {
	case RequestQueued, RequestSubmitting, RequestSubmitted, RequestDone,
		RequestFailed, RequestLost, RequestNoSources, RequestSubmissionFailed:
		return string(rune(s)), nil
	}
	return nil, enumError("request state", byte(s))
}

// Scan implements sql.Scanner.
func (s *RequestState) Scan(value interface{}) error {
	code, err := scanEnumByte("request state", value)
	if err != nil {
		return err
	}
	switch RequestState(code) {
	case RequestQueued, RequestSubmitting, RequestSubmitted, RequestDone,
		RequestFailed, RequestLost, RequestNoSources, RequestSubmissionFailed:
		*s = RequestState(code)
		return nil
	}
	return enumError("request state", code)
}

// SubscriptionState is the state of a subscription.
type SubscriptionState byte

// SubscriptionState values.
const (
	SubscriptionActive   = SubscriptionState('A')
	SubscriptionInactive = SubscriptionState('I')
	SubscriptionUpdated  = SubscriptionState('U')
	SubscriptionBroken   = SubscriptionState('B')
)

// String returns the human readable state.
func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionActive:
		return "ACTIVE"
	case SubscriptionInactive:
		return "INACTIVE"
	case SubscriptionUpdated:
		return "UPDATED"
	case SubscriptionBroken:
		return "BROKEN"
	default:
		return "INVALID"
	}
}

// Value implements driver.Valuer.
func (s SubscriptionState) Value() (driver.Value, error) {
	switch s {
	case SubscriptionActive, SubscriptionInactive, SubscriptionUpdated, SubscriptionBroken:
		return string(rune(s)), nil
	}
	return nil, enumError("subscription state", byte(s))
}

// Scan implements sql.Scanner.
func (s *SubscriptionState) Scan(value interface{}) error {
	code, err := scanEnumByte("subscription state", value)
	if err != nil {
		return err
	}
	switch SubscriptionState(code) {
	case SubscriptionActive, SubscriptionInactive, SubscriptionUpdated, SubscriptionBroken:
		*s = SubscriptionState(code)
		return nil
	}
	return enumError("subscription state", code)
}

// UpdatedDIDAction is the kind of containment change recorded for rule
// re-evaluation.
type UpdatedDIDAction byte

// UpdatedDIDAction values.
const (
	ActionAttach = UpdatedDIDAction('A')
	ActionDetach = UpdatedDIDAction('D')
)

// String returns the human readable action.
func (a UpdatedDIDAction) String() string {
	switch a {
	case ActionAttach:
		return "ATTACH"
	case ActionDetach:
		return "DETACH"
	default:
		return "INVALID"
	}
}

// Value implements driver.Valuer.
func (a UpdatedDIDAction) Value() (driver.Value, error) {
	switch a {
	case ActionAttach, ActionDetach:
		return string(rune(a)), nil
	}
	return nil, enumError("updated did action", byte(a))
}

// Scan implements sql.Scanner.
func (a *UpdatedDIDAction) Scan(value interface{}) error {
	code, err := scanEnumByte("updated did action", value)
	if err != nil {
		return err
	}
	switch UpdatedDIDAction(code) {
	case ActionAttach, ActionDetach:
		*a = UpdatedDIDAction(code)
		return nil
	}
	return enumError("updated did action", code)
}

// RSE availability bits.
const (
	AvailabilityRead   = 4
	AvailabilityWrite  = 2
	AvailabilityDelete = 1
	AvailabilityAll    = AvailabilityRead | AvailabilityWrite | AvailabilityDelete
)
