package store

import (
	"context"
	"sync"
	"time"

	"github.com/convograph/convograph-go/graph/auth"
	"github.com/convograph/convograph-go/graph/emit"
)

// memRow is the stored form of a checkpoint: the sealed blob plus row
// metadata. Keeping the sealed blob (rather than the typed state) means the
// memory backend exercises the same encryption path as the SQL backends.
type memRow struct {
	ownerID   string
	step      int
	blob      []byte
	createdAt time.Time
	updatedAt time.Time
}

// MemStore is the in-memory Store backend, for tests, development, and
// single-process deployments where durability is not required.
//
// It applies the same ownership, step, and encryption rules as the SQL
// backends and is safe for concurrent use.
type MemStore[S any] struct {
	cfg Config

	mu   sync.RWMutex
	rows map[string]memRow

	// now is swappable for TTL tests.
	now func() time.Time
}

// NewMemStore creates an in-memory secure store.
func NewMemStore[S any](cfg Config) *MemStore[S] {
	return &MemStore[S]{
		cfg:  cfg,
		rows: make(map[string]memRow),
		now:  time.Now,
	}
}

// Get implements Store.
func (m *MemStore[S]) Get(_ context.Context, runID string, p auth.Principal) (Record[S], error) {
	m.mu.RLock()
	row, ok := m.rows[runID]
	m.mu.RUnlock()

	if !ok {
		return Record[S]{}, ErrNotFound
	}
	if err := authorize(runID, row.ownerID, p); err != nil {
		return Record[S]{}, err
	}

	state, failed, err := openState[S](m.cfg, runID, row.blob)
	if err != nil {
		return Record[S]{}, &ReadError{RunID: runID, Err: err}
	}

	return Record[S]{
		RunID:             runID,
		OwnerID:           row.ownerID,
		Step:              row.step,
		State:             state,
		CreatedAt:         row.createdAt,
		UpdatedAt:         row.updatedAt,
		UndecryptedFields: failed,
	}, nil
}

// Put implements Store.
func (m *MemStore[S]) Put(_ context.Context, runID string, step int, state S, p auth.Principal) error {
	if err := validatePut(runID, step, p); err != nil {
		return err
	}

	blob, err := sealState(m.cfg, state)
	if err != nil {
		return &WriteError{RunID: runID, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	row, exists := m.rows[runID]
	if exists {
		if err := authorize(runID, row.ownerID, p); err != nil {
			return err
		}
		if step <= row.step {
			return ErrStaleStep
		}
		row.step = step
		row.blob = blob
		row.updatedAt = now
		m.rows[runID] = row
	} else {
		m.rows[runID] = memRow{
			ownerID:   p.UserID,
			step:      step,
			blob:      blob,
			createdAt: now,
			updatedAt: now,
		}
	}

	m.cfg.emit(emit.Event{
		RunID: runID,
		Step:  step,
		Msg:   "checkpoint_saved",
		Meta:  map[string]interface{}{"state": m.cfg.redactedSummary(blob)},
	})
	return nil
}

// Delete implements Store.
func (m *MemStore[S]) Delete(_ context.Context, runID string, p auth.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[runID]
	if !ok {
		return ErrNotFound
	}
	if err := authorize(runID, row.ownerID, p); err != nil {
		return err
	}

	delete(m.rows, runID)
	return nil
}

// Cleanup implements Store. It is an administrative sweep and does not
// consult ownership.
func (m *MemStore[S]) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	deleted := 0
	for runID, row := range m.rows {
		if row.updatedAt.Before(cutoff) {
			delete(m.rows, runID)
			deleted++
		}
	}
	return deleted, nil
}

// Stats implements Store.
func (m *MemStore[S]) Stats(_ context.Context, p auth.Principal) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Total: len(m.rows)}
	if len(m.rows) == 0 {
		return stats, nil
	}

	totalBytes := 0
	for _, row := range m.rows {
		totalBytes += len(row.blob)
		if stats.Oldest.IsZero() || row.updatedAt.Before(stats.Oldest) {
			stats.Oldest = row.updatedAt
		}
		if row.updatedAt.After(stats.Newest) {
			stats.Newest = row.updatedAt
		}
	}
	stats.AvgSizeBytes = totalBytes / len(m.rows)

	if p.IsAdmin() {
		stats.PerUser = make(map[string]int)
		for _, row := range m.rows {
			stats.PerUser[row.ownerID]++
		}
	}
	return stats, nil
}
