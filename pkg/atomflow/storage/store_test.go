package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories builds every Store implementation for conformance testing.
var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store {
		return NewMemoryStore()
	},
	"sqlite": func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
		require.NoError(t, err)
		return s
	},
}

// forEachStore runs a conformance test against every backend.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

// TestStore_CreateRun tests run creation and metadata.
func TestStore_CreateRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		runID, err := s.CreateRun(ctx, "provision")
		require.NoError(t, err)
		require.NotEmpty(t, runID)

		info, err := s.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, runID, info.ID)
		assert.Equal(t, "provision", info.FlowName)
		assert.Equal(t, FlowPending, info.State)
		assert.Empty(t, info.ClaimedBy)
	})
}

// TestStore_GetRun_NotFound tests lookup of an unknown run.
func TestStore_GetRun_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetRun(context.Background(), "no-such-run")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})
}

// TestStore_SetGetAtomState tests the journal round trip for one atom.
func TestStore_SetGetAtomState(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		runID, err := s.CreateRun(ctx, "provision")
		require.NoError(t, err)

		err = s.SetAtomState(ctx, runID, "allocate", AtomRunning, Payload{})
		require.NoError(t, err)

		err = s.SetAtomState(ctx, runID, "allocate", AtomSuccess, Payload{
			Outputs: map[string]any{"address": "10.0.0.7"},
		})
		require.NoError(t, err)

		rec, err := s.GetAtomState(ctx, runID, "allocate")
		require.NoError(t, err)
		assert.Equal(t, Version, rec.Version)
		assert.Equal(t, "allocate", rec.Atom)
		assert.Equal(t, AtomSuccess, rec.State)
		assert.Equal(t, "10.0.0.7", rec.Payload.Outputs["address"])
		assert.Empty(t, rec.Payload.Failure)
	})
}

// TestStore_GetAtomState_NotFound tests lookup of an unjournaled atom.
func TestStore_GetAtomState_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		runID, err := s.CreateRun(ctx, "provision")
		require.NoError(t, err)

		_, err = s.GetAtomState(ctx, runID, "allocate")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// TestStore_SetAtomState_UnknownRun tests writes against a missing run.
func TestStore_SetAtomState_UnknownRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		err := s.SetAtomState(context.Background(), "no-such-run", "a", AtomRunning, Payload{})
		assert.ErrorIs(t, err, ErrRunNotFound)
	})
}

// TestStore_ListAtomStates_SeqOrder tests that records come back in commit order.
func TestStore_ListAtomStates_SeqOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		runID, err := s.CreateRun(ctx, "provision")
		require.NoError(t, err)

		require.NoError(t, s.SetAtomState(ctx, runID, "a", AtomSuccess, Payload{}))
		require.NoError(t, s.SetAtomState(ctx, runID, "b", AtomSuccess, Payload{}))
		require.NoError(t, s.SetAtomState(ctx, runID, "c", AtomRunning, Payload{}))
		// Re-journal a: it must move to the end of the commit order.
		require.NoError(t, s.SetAtomState(ctx, runID, "a", AtomReverting, Payload{}))

		records, err := s.ListAtomStates(ctx, runID)
		require.NoError(t, err)
		require.Len(t, records, 3)

		names := []string{records[0].Atom, records[1].Atom, records[2].Atom}
		assert.Equal(t, []string{"b", "c", "a"}, names)
		assert.True(t, records[0].Seq < records[1].Seq)
		assert.True(t, records[1].Seq < records[2].Seq)
		assert.Equal(t, AtomReverting, records[2].State)
	})
}

// TestStore_ListAtomStates_Empty tests listing a run with no records.
func TestStore_ListAtomStates_Empty(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		runID, err := s.CreateRun(ctx, "provision")
		require.NoError(t, err)

		records, err := s.ListAtomStates(ctx, runID)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

// TestStore_ClaimRun tests the advisory single-writer discipline.
func TestStore_ClaimRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		runID, err := s.CreateRun(ctx, "provision")
		require.NoError(t, err)

		require.NoError(t, s.ClaimRun(ctx, runID, "engine-1"))
		// Re-entrant for the same owner.
		require.NoError(t, s.ClaimRun(ctx, runID, "engine-1"))
		// A second writer is rejected.
		assert.ErrorIs(t, s.ClaimRun(ctx, runID, "engine-2"), ErrRunClaimed)

		require.NoError(t, s.ReleaseRun(ctx, runID, "engine-1"))
		require.NoError(t, s.ClaimRun(ctx, runID, "engine-2"))
	})
}

// TestStore_ReleaseRun_WrongOwner tests that release by a non-owner is a no-op.
func TestStore_ReleaseRun_WrongOwner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		runID, err := s.CreateRun(ctx, "provision")
		require.NoError(t, err)

		require.NoError(t, s.ClaimRun(ctx, runID, "engine-1"))
		require.NoError(t, s.ReleaseRun(ctx, runID, "engine-2"))

		// engine-1 still holds the claim.
		assert.ErrorIs(t, s.ClaimRun(ctx, runID, "engine-3"), ErrRunClaimed)
	})
}

// TestStore_SetFlowState tests aggregate state updates.
func TestStore_SetFlowState(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		runID, err := s.CreateRun(ctx, "provision")
		require.NoError(t, err)

		require.NoError(t, s.SetFlowState(ctx, runID, FlowRunning))
		require.NoError(t, s.SetFlowState(ctx, runID, FlowSuspended))

		info, err := s.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, FlowSuspended, info.State)

		assert.ErrorIs(t, s.SetFlowState(ctx, "no-such-run", FlowRunning), ErrRunNotFound)
	})
}

// TestStore_ListRuns tests run enumeration.
func TestStore_ListRuns(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first, err := s.CreateRun(ctx, "alpha")
		require.NoError(t, err)
		second, err := s.CreateRun(ctx, "beta")
		require.NoError(t, err)

		runs, err := s.ListRuns(ctx)
		require.NoError(t, err)
		require.Len(t, runs, 2)

		ids := []string{runs[0].ID, runs[1].ID}
		assert.Contains(t, ids, first)
		assert.Contains(t, ids, second)
	})
}

// TestStore_FailurePayload tests that failure payloads survive the journal.
func TestStore_FailurePayload(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		runID, err := s.CreateRun(ctx, "provision")
		require.NoError(t, err)

		err = s.SetAtomState(ctx, runID, "configure", AtomFailure, Payload{
			Failure: "dial tcp: connection refused",
		})
		require.NoError(t, err)

		rec, err := s.GetAtomState(ctx, runID, "configure")
		require.NoError(t, err)
		assert.Equal(t, AtomFailure, rec.State)
		assert.Equal(t, "dial tcp: connection refused", rec.Payload.Failure)
		assert.Nil(t, rec.Payload.Outputs)
	})
}

// TestStore_Closed tests operations against a closed store.
func TestStore_Closed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Close())

		_, err := s.CreateRun(ctx, "provision")
		assert.ErrorIs(t, err, ErrStoreClosed)
		_, err = s.ListRuns(ctx)
		assert.ErrorIs(t, err, ErrStoreClosed)
		assert.ErrorIs(t, s.SetAtomState(ctx, "r", "a", AtomRunning, Payload{}), ErrStoreClosed)
	})
}

// TestValidTransition exercises the atom transition table.
func TestValidTransition(t *testing.T) {
	valid := [][2]AtomState{
		{AtomPending, AtomRunning},
		{AtomPending, AtomIgnored},
		{AtomRunning, AtomSuccess},
		{AtomRunning, AtomFailure},
		{AtomRunning, AtomPending},
		{AtomSuccess, AtomReverting},
		{AtomSuccess, AtomPending},
		{AtomFailure, AtomReverting},
		{AtomReverting, AtomReverted},
		{AtomReverting, AtomFailure},
		{AtomReverted, AtomPending},
		{AtomIgnored, AtomPending},
	}
	for _, tr := range valid {
		assert.True(t, ValidTransition(tr[0], tr[1]), "%s -> %s should be valid", tr[0], tr[1])
	}

	invalid := [][2]AtomState{
		{AtomPending, AtomSuccess},
		{AtomPending, AtomReverted},
		{AtomSuccess, AtomRunning},
		{AtomReverted, AtomReverting},
		{AtomIgnored, AtomRunning},
		{AtomSuccess, AtomSuccess},
	}
	for _, tr := range invalid {
		assert.False(t, ValidTransition(tr[0], tr[1]), "%s -> %s should be invalid", tr[0], tr[1])
	}
}

// TestFlowState_Terminal tests terminal state classification.
func TestFlowState_Terminal(t *testing.T) {
	assert.True(t, FlowSuccess.Terminal())
	assert.True(t, FlowFailure.Terminal())
	assert.True(t, FlowReverted.Terminal())
	assert.False(t, FlowPending.Terminal())
	assert.False(t, FlowRunning.Terminal())
	assert.False(t, FlowSuspended.Terminal())
}
