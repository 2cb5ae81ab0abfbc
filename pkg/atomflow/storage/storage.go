// Package storage provides the durable journal for flow runs.
//
// A Store records every atom state transition for a run before the engine
// considers the transition committed (write-ahead discipline). After a crash
// the store is the source of truth: an engine attaching to an existing run
// rebuilds its in-memory view entirely from the journal.
//
// Backends are pluggable through a name-to-factory registry; memory and
// sqlite backends ship with the package.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Version is the current journal record format version.
// Increment when making breaking changes to record structure.
const Version = 1

// AtomState is the persisted lifecycle state of a single atom within a run.
type AtomState string

// Atom lifecycle states.
const (
	AtomPending   AtomState = "PENDING"
	AtomRunning   AtomState = "RUNNING"
	AtomSuccess   AtomState = "SUCCESS"
	AtomFailure   AtomState = "FAILURE"
	AtomReverting AtomState = "REVERTING"
	AtomReverted  AtomState = "REVERTED"
	AtomIgnored   AtomState = "IGNORED"
)

// FlowState is the aggregate state of a whole run.
type FlowState string

// Flow run states. Suspended runs are resumable; Success, Failure and
// Reverted are terminal.
const (
	FlowPending   FlowState = "PENDING"
	FlowRunning   FlowState = "RUNNING"
	FlowSuccess   FlowState = "SUCCESS"
	FlowFailure   FlowState = "FAILURE"
	FlowReverted  FlowState = "REVERTED"
	FlowSuspended FlowState = "SUSPENDED"
)

// atomTransitions is the explicit transition table for atom states.
// PENDING re-entry covers crash recovery and retry-scope resets.
var atomTransitions = map[AtomState]map[AtomState]bool{
	AtomPending: {
		AtomRunning: true,
		AtomIgnored: true,
	},
	AtomRunning: {
		AtomSuccess: true,
		AtomFailure: true,
		AtomPending: true, // crash recovery: mid-RUNNING atoms re-run
	},
	AtomSuccess: {
		AtomReverting: true,
		AtomPending:   true, // retry reset
	},
	AtomFailure: {
		AtomReverting: true, // failed atoms still get a cleanup pass
		AtomPending:   true, // retry reset
	},
	AtomReverting: {
		AtomReverted: true,
		AtomFailure:  true, // the revert itself failed
		AtomSuccess:  true, // crash recovery: interrupted revert re-runs
	},
	AtomReverted: {
		AtomPending: true, // retry reset
	},
	AtomIgnored: {
		AtomPending: true, // retry reset
	},
}

// ValidTransition reports whether an atom may move from one state to another.
func ValidTransition(from, to AtomState) bool {
	return atomTransitions[from][to]
}

// Terminal reports whether a flow state is final (not resumable).
func (s FlowState) Terminal() bool {
	return s == FlowSuccess || s == FlowFailure || s == FlowReverted
}

// Payload carries the data persisted alongside an atom state transition:
// outputs by provided name on success, an opaque failure description on
// failure, and the serialized retry history for retry atoms. The journal
// never interprets History; it belongs to the engine.
type Payload struct {
	Outputs map[string]any  `json:"outputs,omitempty"`
	Failure string          `json:"failure,omitempty"`
	History json.RawMessage `json:"history,omitempty"`
}

// AtomRecord is one journal entry: the latest persisted state of an atom
// within a run. Seq increases monotonically per run with every write, so
// records sorted by Seq reproduce commit order.
type AtomRecord struct {
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	Atom      string    `json:"atom"`
	State     AtomState `json:"state"`
	Payload   Payload   `json:"payload"`
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunInfo describes a flow run.
type RunInfo struct {
	ID        string    `json:"id"`
	FlowName  string    `json:"flow_name"`
	State     FlowState `json:"state"`
	ClaimedBy string    `json:"claimed_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence port for flow runs.
//
// Implementations must be safe for concurrent use, and every mutating call
// must be atomic: a concurrent reader sees either the whole write or none
// of it. Once a call returns nil the transition is durable.
//
// Writer discipline is advisory single-writer per run, enforced through
// ClaimRun; concurrent readers are always permitted.
type Store interface {
	// CreateRun registers a new run for the named flow and returns its ID.
	CreateRun(ctx context.Context, flowName string) (string, error)

	// GetRun returns run metadata. Returns ErrRunNotFound if absent.
	GetRun(ctx context.Context, runID string) (RunInfo, error)

	// ListRuns returns all known runs, newest first.
	ListRuns(ctx context.Context) ([]RunInfo, error)

	// ClaimRun acquires the advisory writer claim on a run.
	// A claim held by the same owner is re-entrant; a claim held by a
	// different owner yields ErrRunClaimed.
	ClaimRun(ctx context.Context, runID, owner string) error

	// ReleaseRun drops the claim if held by owner. It is idempotent.
	ReleaseRun(ctx context.Context, runID, owner string) error

	// SetFlowState records the aggregate run state.
	SetFlowState(ctx context.Context, runID string, state FlowState) error

	// SetAtomState journals an atom transition together with its payload.
	// The write is atomic and durable once the call returns.
	SetAtomState(ctx context.Context, runID, atom string, state AtomState, p Payload) error

	// GetAtomState returns the latest record for one atom.
	// Returns ErrNotFound if the atom has never been journaled for this run.
	GetAtomState(ctx context.Context, runID, atom string) (AtomRecord, error)

	// ListAtomStates returns every atom record for a run ordered by Seq.
	// Returns an empty slice (not an error) for a run with no records.
	ListAtomStates(ctx context.Context, runID string) ([]AtomRecord, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for journal operations.
var (
	// ErrNotFound indicates an atom record doesn't exist.
	ErrNotFound = errors.New("atom record not found")

	// ErrRunNotFound indicates the run ID is unknown.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunClaimed indicates another writer holds the run claim.
	ErrRunClaimed = errors.New("run claimed by another writer")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("journal store closed")

	// ErrUnknownBackend indicates no factory is registered under the name.
	ErrUnknownBackend = errors.New("unknown journal backend")
)
