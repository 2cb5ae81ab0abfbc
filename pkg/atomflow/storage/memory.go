package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory journal for tests and single-process use.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memRun
	closed bool
}

type memRun struct {
	info  RunInfo
	atoms map[string]memRecord
	seq   int64
}

// memRecord keeps the payload serialized so readers never share maps
// with the writer.
type memRecord struct {
	state     AtomState
	payload   []byte
	seq       int64
	updatedAt time.Time
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*memRun),
	}
}

// CreateRun implements Store.
func (m *MemoryStore) CreateRun(_ context.Context, flowName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrStoreClosed
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	m.runs[id] = &memRun{
		info: RunInfo{
			ID:        id,
			FlowName:  flowName,
			State:     FlowPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		atoms: make(map[string]memRecord),
	}
	return id, nil
}

// GetRun implements Store.
func (m *MemoryStore) GetRun(_ context.Context, runID string) (RunInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return RunInfo{}, ErrStoreClosed
	}

	run, ok := m.runs[runID]
	if !ok {
		return RunInfo{}, ErrRunNotFound
	}
	return run.info, nil
}

// ListRuns implements Store.
func (m *MemoryStore) ListRuns(_ context.Context) ([]RunInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	infos := make([]RunInfo, 0, len(m.runs))
	for _, run := range m.runs {
		infos = append(infos, run.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// ClaimRun implements Store.
func (m *MemoryStore) ClaimRun(_ context.Context, runID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.info.ClaimedBy != "" && run.info.ClaimedBy != owner {
		return fmt.Errorf("%w: %s", ErrRunClaimed, run.info.ClaimedBy)
	}
	run.info.ClaimedBy = owner
	run.info.UpdatedAt = time.Now().UTC()
	return nil
}

// ReleaseRun implements Store.
func (m *MemoryStore) ReleaseRun(_ context.Context, runID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if run.info.ClaimedBy == owner {
		run.info.ClaimedBy = ""
		run.info.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// SetFlowState implements Store.
func (m *MemoryStore) SetFlowState(_ context.Context, runID string, state FlowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.info.State = state
	run.info.UpdatedAt = time.Now().UTC()
	return nil
}

// SetAtomState implements Store.
func (m *MemoryStore) SetAtomState(_ context.Context, runID, atom string, state AtomState, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	run.seq++
	run.atoms[atom] = memRecord{
		state:     state,
		payload:   payload,
		seq:       run.seq,
		updatedAt: time.Now().UTC(),
	}
	return nil
}

// GetAtomState implements Store.
func (m *MemoryStore) GetAtomState(_ context.Context, runID, atom string) (AtomRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return AtomRecord{}, ErrStoreClosed
	}

	run, ok := m.runs[runID]
	if !ok {
		return AtomRecord{}, ErrRunNotFound
	}
	rec, ok := run.atoms[atom]
	if !ok {
		return AtomRecord{}, ErrNotFound
	}
	return toRecord(runID, atom, rec)
}

// ListAtomStates implements Store.
func (m *MemoryStore) ListAtomStates(_ context.Context, runID string) ([]AtomRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}

	records := make([]AtomRecord, 0, len(run.atoms))
	for atom, rec := range run.atoms {
		r, err := toRecord(runID, atom, rec)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Seq < records[j].Seq
	})
	return records, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.runs = nil
	return nil
}

func toRecord(runID, atom string, rec memRecord) (AtomRecord, error) {
	var p Payload
	if err := json.Unmarshal(rec.payload, &p); err != nil {
		return AtomRecord{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return AtomRecord{
		Version:   Version,
		RunID:     runID,
		Atom:      atom,
		State:     rec.state,
		Payload:   p,
		Seq:       rec.seq,
		UpdatedAt: rec.updatedAt,
	}, nil
}
