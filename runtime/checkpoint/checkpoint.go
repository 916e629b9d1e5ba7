// Package checkpoint defines durable snapshot persistence for session
// state. The engine saves a snapshot after every task status transition and
// after the final answer; resumption loads the latest snapshot and re-enters
// the execute loop. Stores must keep sequences monotonic per session and
// serialize writes per session id so interleaved resumptions cannot corrupt
// the history.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Snapshot is one persisted state image.
type Snapshot struct {
	// SessionID keys the snapshot history.
	SessionID string
	// Seq orders snapshots within a session, strictly increasing.
	Seq uint64
	// Data is the serialized state envelope.
	Data []byte
	// SavedAt records when the snapshot was persisted.
	SavedAt time.Time
}

var (
	// ErrNotFound reports a session with no snapshots.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStaleSequence reports a save whose sequence does not advance the
	// stored history. The snapshot is refused; a resumed session never
	// observes an earlier state than its last successful checkpoint.
	ErrStaleSequence = errors.New("checkpoint sequence not after latest")
)

// Store persists session snapshots.
type Store interface {
	// Save persists a snapshot. The sequence must be strictly greater
	// than the latest stored sequence for the session; otherwise the
	// store returns ErrStaleSequence and keeps the existing snapshot.
	Save(ctx context.Context, snap Snapshot) error

	// LoadLatest returns the highest-sequence snapshot for the session,
	// or ErrNotFound.
	LoadLatest(ctx context.Context, sessionID string) (Snapshot, error)
}
