// Package inmem provides the in-memory reference checkpoint store. It is
// intended for tests and single-process runs; production deployments use the
// redis, mongo, or sqlite backends.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tessera-ai/tessera/runtime/checkpoint"
)

// Store keeps the latest snapshot per session in process memory.
type Store struct {
	mu     sync.RWMutex
	latest map[string]checkpoint.Snapshot
}

// New creates an empty store.
func New() *Store {
	return &Store{latest: make(map[string]checkpoint.Snapshot)}
}

// Save persists a snapshot if its sequence advances the session history.
func (s *Store) Save(_ context.Context, snap checkpoint.Snapshot) error {
	if snap.SessionID == "" {
		return fmt.Errorf("save checkpoint: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.latest[snap.SessionID]; ok && snap.Seq <= cur.Seq {
		return fmt.Errorf("session %s seq %d: %w (latest %d)",
			snap.SessionID, snap.Seq, checkpoint.ErrStaleSequence, cur.Seq)
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	snap.Data = append([]byte(nil), snap.Data...)
	s.latest[snap.SessionID] = snap
	return nil
}

// LoadLatest returns the highest-sequence snapshot for the session.
func (s *Store) LoadLatest(_ context.Context, sessionID string) (checkpoint.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.latest[sessionID]
	if !ok {
		return checkpoint.Snapshot{}, fmt.Errorf("session %s: %w", sessionID, checkpoint.ErrNotFound)
	}
	snap.Data = append([]byte(nil), snap.Data...)
	return snap, nil
}
