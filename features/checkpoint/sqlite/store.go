// Package sqlite provides a checkpoint.Store backed by an embedded SQLite
// database. It suits single-process deployments that need snapshots to
// survive restarts without running a separate datastore.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tessera-ai/tessera/runtime/checkpoint"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_checkpoints (
	session_id TEXT PRIMARY KEY,
	seq        INTEGER NOT NULL,
	data       BLOB NOT NULL,
	saved_at   TEXT NOT NULL
)`

// The upsert only replaces a row when the incoming sequence advances it, so
// a stale save touches zero rows.
const saveQuery = `
INSERT INTO session_checkpoints (session_id, seq, data, saved_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
	seq = excluded.seq,
	data = excluded.data,
	saved_at = excluded.saved_at
WHERE excluded.seq > session_checkpoints.seq`

const loadQuery = `
SELECT session_id, seq, data, saved_at
FROM session_checkpoints
WHERE session_id = ?`

// Store implements checkpoint.Store on a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and prepares the
// checkpoint schema. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock
	// contention errors under concurrent saves.
	db.SetMaxOpenConns(1)
	store, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New prepares the checkpoint schema on an existing database handle. The
// caller keeps ownership of the handle.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("prepare checkpoint schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save persists the snapshot unless a later sequence is already stored.
func (s *Store) Save(ctx context.Context, snap checkpoint.Snapshot) error {
	if snap.SessionID == "" {
		return errors.New("session id is required")
	}
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, saveQuery,
		snap.SessionID, int64(snap.Seq), snap.Data, savedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite checkpoint save: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite checkpoint save: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s seq %d: %w", snap.SessionID, snap.Seq, checkpoint.ErrStaleSequence)
	}
	return nil
}

// LoadLatest returns the stored snapshot for the session.
func (s *Store) LoadLatest(ctx context.Context, sessionID string) (checkpoint.Snapshot, error) {
	if sessionID == "" {
		return checkpoint.Snapshot{}, errors.New("session id is required")
	}
	var (
		snap    checkpoint.Snapshot
		seq     int64
		savedAt string
	)
	row := s.db.QueryRowContext(ctx, loadQuery, sessionID)
	if err := row.Scan(&snap.SessionID, &seq, &snap.Data, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.Snapshot{}, fmt.Errorf("session %s: %w", sessionID, checkpoint.ErrNotFound)
		}
		return checkpoint.Snapshot{}, fmt.Errorf("sqlite checkpoint load: %w", err)
	}
	snap.Seq = uint64(seq)
	at, err := time.Parse(time.RFC3339Nano, savedAt)
	if err != nil {
		return checkpoint.Snapshot{}, fmt.Errorf("sqlite checkpoint load: parse saved_at: %w", err)
	}
	snap.SavedAt = at
	return snap, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
