package state

import (
	"encoding/json"
	"fmt"
)

// snapshotVersion guards the checkpoint wire format.
const snapshotVersion = 1

type envelope struct {
	Version int    `json:"version"`
	State   *State `json:"state"`
}

// Clone returns a deep copy of the aggregate. Task inputs and results are
// copied through JSON so the copy shares no mutable structure with the
// original.
func (s *State) Clone() *State {
	data, err := s.Snapshot()
	if err != nil {
		// The aggregate only ever holds JSON-encodable values; a
		// failure here means a task result violated that contract.
		panic(fmt.Sprintf("state: clone %s: %v", s.SessionID, err))
	}
	c, err := Restore(data)
	if err != nil {
		panic(fmt.Sprintf("state: clone %s: %v", s.SessionID, err))
	}
	return c
}

// Snapshot serializes the aggregate into a versioned checkpoint payload.
func (s *State) Snapshot() ([]byte, error) {
	data, err := json.Marshal(envelope{Version: snapshotVersion, State: s})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot for %s: %w", s.SessionID, err)
	}
	return data, nil
}

// Restore rebuilds an aggregate from a checkpoint payload.
func Restore(data []byte) (*State, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if env.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", env.Version)
	}
	if env.State == nil {
		return nil, fmt.Errorf("snapshot has no state")
	}
	if env.State.Results == nil {
		env.State.Results = make(map[string]any)
	}
	return env.State, nil
}
