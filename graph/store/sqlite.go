package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/convograph/convograph-go/graph/auth"
	"github.com/convograph/convograph-go/graph/emit"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite Store backend: a single-file database suitable
// for development and single-host deployments.
//
// The store enables WAL mode for concurrent reads, migrates its schema on
// first use, and performs every ownership-checked write inside a transaction.
//
// Row layout matches the checkpoint row format: run_id (primary key),
// user_id, step, state (sealed JSON), created_at and updated_at as unix
// seconds.
type SQLiteStore[S any] struct {
	cfg    Config
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the schema. Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore[S any](path string, cfg Config) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore[S]{cfg: cfg, db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore[S]) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS run_checkpoints (
			run_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create run_checkpoints table: %w", err)
	}

	for _, index := range []string{
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON run_checkpoints(updated_at)",
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_user ON run_checkpoints(user_id)",
	} {
		if _, err := s.db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore[S]) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore[S]) Get(ctx context.Context, runID string, p auth.Principal) (Record[S], error) {
	if err := s.checkOpen(); err != nil {
		return Record[S]{}, &ReadError{RunID: runID, Err: err}
	}

	query := `
		SELECT user_id, step, state, created_at, updated_at
		FROM run_checkpoints
		WHERE run_id = ?
	`

	var (
		ownerID            string
		step               int
		blob               string
		createdAt, updated int64
	)
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&ownerID, &step, &blob, &createdAt, &updated)
	if err == sql.ErrNoRows {
		return Record[S]{}, ErrNotFound
	}
	if err != nil {
		return Record[S]{}, &ReadError{RunID: runID, Err: err}
	}

	if err := authorize(runID, ownerID, p); err != nil {
		return Record[S]{}, err
	}

	state, failed, err := openState[S](s.cfg, runID, []byte(blob))
	if err != nil {
		return Record[S]{}, &ReadError{RunID: runID, Err: err}
	}

	return Record[S]{
		RunID:             runID,
		OwnerID:           ownerID,
		Step:              step,
		State:             state,
		CreatedAt:         time.Unix(createdAt, 0),
		UpdatedAt:         time.Unix(updated, 0),
		UndecryptedFields: failed,
	}, nil
}

// Put implements Store. The read-check-write is transactional so two writers
// racing on the same new run ID cannot both establish ownership.
func (s *SQLiteStore[S]) Put(ctx context.Context, runID string, step int, state S, p auth.Principal) error {
	if err := validatePut(runID, step, p); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return &WriteError{RunID: runID, Err: err}
	}

	blob, err := sealState(s.cfg, state)
	if err != nil {
		return &WriteError{RunID: runID, Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &WriteError{RunID: runID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID string
	var storedStep int
	err = tx.QueryRowContext(ctx,
		"SELECT user_id, step FROM run_checkpoints WHERE run_id = ?", runID,
	).Scan(&ownerID, &storedStep)

	now := time.Now().Unix()
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_checkpoints (run_id, user_id, step, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			runID, p.UserID, step, string(blob), now, now)
		if err != nil {
			return &WriteError{RunID: runID, Err: err}
		}
	case err != nil:
		return &WriteError{RunID: runID, Err: err}
	default:
		if err := authorize(runID, ownerID, p); err != nil {
			return err
		}
		if step <= storedStep {
			return ErrStaleStep
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE run_checkpoints
			SET step = ?, state = ?, updated_at = ?
			WHERE run_id = ?`,
			step, string(blob), now, runID)
		if err != nil {
			return &WriteError{RunID: runID, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &WriteError{RunID: runID, Err: err}
	}

	s.cfg.emit(emit.Event{
		RunID: runID,
		Step:  step,
		Msg:   "checkpoint_saved",
		Meta:  map[string]interface{}{"state": s.cfg.redactedSummary(blob)},
	})
	return nil
}

// Delete implements Store.
func (s *SQLiteStore[S]) Delete(ctx context.Context, runID string, p auth.Principal) error {
	if err := s.checkOpen(); err != nil {
		return &WriteError{RunID: runID, Err: err}
	}

	var ownerID string
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id FROM run_checkpoints WHERE run_id = ?", runID,
	).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return &ReadError{RunID: runID, Err: err}
	}

	if err := authorize(runID, ownerID, p); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM run_checkpoints WHERE run_id = ?", runID); err != nil {
		return &WriteError{RunID: runID, Err: err}
	}
	return nil
}

// Cleanup implements Store.
func (s *SQLiteStore[S]) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge).Unix()
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM run_checkpoints WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up checkpoints: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted checkpoints: %w", err)
	}
	return int(deleted), nil
}

// Stats implements Store.
func (s *SQLiteStore[S]) Stats(ctx context.Context, p auth.Principal) (Stats, error) {
	if err := s.checkOpen(); err != nil {
		return Stats{}, err
	}

	var stats Stats
	var oldest, newest sql.NullInt64
	var avgSize sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(updated_at), MAX(updated_at), AVG(LENGTH(state))
		FROM run_checkpoints`,
	).Scan(&stats.Total, &oldest, &newest, &avgSize)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}

	if oldest.Valid {
		stats.Oldest = time.Unix(oldest.Int64, 0)
	}
	if newest.Valid {
		stats.Newest = time.Unix(newest.Int64, 0)
	}
	if avgSize.Valid {
		stats.AvgSizeBytes = int(avgSize.Float64)
	}

	if p.IsAdmin() {
		rows, err := s.db.QueryContext(ctx,
			"SELECT user_id, COUNT(*) FROM run_checkpoints GROUP BY user_id")
		if err != nil {
			return Stats{}, fmt.Errorf("failed to read per-user stats: %w", err)
		}
		defer func() { _ = rows.Close() }()

		stats.PerUser = make(map[string]int)
		for rows.Next() {
			var userID string
			var count int
			if err := rows.Scan(&userID, &count); err != nil {
				return Stats{}, fmt.Errorf("failed to scan per-user stats: %w", err)
			}
			stats.PerUser[userID] = count
		}
		if err := rows.Err(); err != nil {
			return Stats{}, fmt.Errorf("failed to iterate per-user stats: %w", err)
		}
	}
	return stats, nil
}

// Close closes the database connection. Further operations fail; double
// close is a no-op.
func (s *SQLiteStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the connection, for health checks.
func (s *SQLiteStore[S]) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore[S]) Path() string {
	return s.path
}
