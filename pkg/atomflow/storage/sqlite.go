package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists the journal to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite journal store.
// The path should be a file path (e.g., "./runs.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			flow_name TEXT NOT NULL,
			state TEXT NOT NULL,
			claimed_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS atoms (
			run_id TEXT NOT NULL,
			atom TEXT NOT NULL,
			state TEXT NOT NULL,
			payload BLOB NOT NULL,
			seq INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, atom)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create atoms table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_atoms_run_seq
		ON atoms(run_id, seq)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// CreateRun implements Store.
func (s *SQLiteStore) CreateRun(ctx context.Context, flowName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, flow_name, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, flowName, string(FlowPending), now, now)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// GetRun implements Store.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return RunInfo{}, ErrStoreClosed
	}
	return s.getRun(ctx, runID)
}

func (s *SQLiteStore) getRun(ctx context.Context, runID string) (RunInfo, error) {
	var info RunInfo
	var state, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, flow_name, state, claimed_by, created_at, updated_at
		FROM runs WHERE id = ?
	`, runID).Scan(&info.ID, &info.FlowName, &state, &info.ClaimedBy, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return RunInfo{}, ErrRunNotFound
	}
	if err != nil {
		return RunInfo{}, fmt.Errorf("get run: %w", err)
	}
	info.State = FlowState(state)
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return info, nil
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flow_name, state, claimed_by, created_at, updated_at
		FROM runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var infos []RunInfo
	for rows.Next() {
		var info RunInfo
		var state, createdAt, updatedAt string
		if err := rows.Scan(&info.ID, &info.FlowName, &state, &info.ClaimedBy, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		info.State = FlowState(state)
		info.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return infos, nil
}

// ClaimRun implements Store.
func (s *SQLiteStore) ClaimRun(ctx context.Context, runID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET claimed_by = ?, updated_at = ?
		WHERE id = ? AND (claimed_by = '' OR claimed_by = ?)
	`, owner, now, runID, owner)
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	if affected == 0 {
		if _, err := s.getRun(ctx, runID); err != nil {
			return err
		}
		return ErrRunClaimed
	}
	return nil
}

// ReleaseRun implements Store.
func (s *SQLiteStore) ReleaseRun(ctx context.Context, runID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET claimed_by = '', updated_at = ?
		WHERE id = ? AND claimed_by = ?
	`, now, runID, owner)
	if err != nil {
		return fmt.Errorf("release run: %w", err)
	}
	return nil
}

// SetFlowState implements Store.
func (s *SQLiteStore) SetFlowState(ctx context.Context, runID string, state FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, updated_at = ? WHERE id = ?
	`, string(state), now, runID)
	if err != nil {
		return fmt.Errorf("set flow state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set flow state: %w", err)
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// SetAtomState implements Store.
// The upsert and the per-run sequence bump happen in a single statement,
// so the transition is atomic with respect to concurrent readers.
func (s *SQLiteStore) SetAtomState(ctx context.Context, runID, atom string, state AtomState, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.getRun(ctx, runID); err != nil {
		return err
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO atoms (run_id, atom, state, payload, seq, updated_at)
		VALUES (
			?, ?, ?, ?,
			COALESCE((SELECT MAX(seq) FROM atoms WHERE run_id = ?), 0) + 1,
			?
		)
		ON CONFLICT(run_id, atom) DO UPDATE SET
			state = excluded.state,
			payload = excluded.payload,
			seq = (SELECT MAX(seq) FROM atoms WHERE run_id = excluded.run_id) + 1,
			updated_at = excluded.updated_at
	`, runID, atom, string(state), payload, runID, now)
	if err != nil {
		return fmt.Errorf("set atom state: %w", err)
	}
	return nil
}

// GetAtomState implements Store.
func (s *SQLiteStore) GetAtomState(ctx context.Context, runID, atom string) (AtomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return AtomRecord{}, ErrStoreClosed
	}

	var rec AtomRecord
	var state, updatedAt string
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state, payload, seq, updated_at FROM atoms
		WHERE run_id = ? AND atom = ?
	`, runID, atom).Scan(&state, &payload, &rec.Seq, &updatedAt)

	if err == sql.ErrNoRows {
		return AtomRecord{}, ErrNotFound
	}
	if err != nil {
		return AtomRecord{}, fmt.Errorf("get atom state: %w", err)
	}

	rec.Version = Version
	rec.RunID = runID
	rec.Atom = atom
	rec.State = AtomState(state)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return AtomRecord{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return rec, nil
}

// ListAtomStates implements Store.
func (s *SQLiteStore) ListAtomStates(ctx context.Context, runID string) ([]AtomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	if _, err := s.getRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT atom, state, payload, seq, updated_at FROM atoms
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list atom states: %w", err)
	}
	defer rows.Close()

	records := make([]AtomRecord, 0)
	for rows.Next() {
		var rec AtomRecord
		var state, updatedAt string
		var payload []byte
		if err := rows.Scan(&rec.Atom, &state, &payload, &rec.Seq, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan atom record: %w", err)
		}
		rec.Version = Version
		rec.RunID = runID
		rec.State = AtomState(state)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate atom records: %w", err)
	}
	return records, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
