// Package redis provides a checkpoint.Store backed by Redis. Each session
// keeps a single key holding the latest snapshot envelope; a Lua script
// compares the stored sequence against the incoming one so concurrent writers
// cannot move a session backwards.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tessera-ai/tessera/runtime/checkpoint"
)

const (
	defaultKeyPrefix = "tessera:checkpoint:"
	defaultOpTimeout = 5 * time.Second
)

// saveScript writes the envelope only when its sequence advances the stored
// one. It returns 1 when the write happened and 0 when it was refused.
const saveScript = `
local cur = redis.call('GET', KEYS[1])
if cur then
  local seq = tonumber(cjson.decode(cur)['seq'])
  if seq >= tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1])
if tonumber(ARGV[3]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
end
return 1
`

type (
	// Commands captures the subset of the go-redis client used by the
	// store. It is satisfied by *redis.Client and *redis.ClusterClient so
	// callers can pass either a real connection or a fake in tests.
	Commands interface {
		Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
		Get(ctx context.Context, key string) *redis.StringCmd
	}

	// Options configures the Redis checkpoint store.
	Options struct {
		// Client is the Redis connection. Required.
		Client Commands
		// KeyPrefix namespaces checkpoint keys. Defaults to
		// "tessera:checkpoint:".
		KeyPrefix string
		// TTL expires sessions that stop checkpointing. Zero keeps
		// snapshots forever.
		TTL time.Duration
		// OpTimeout bounds individual Redis operations.
		OpTimeout time.Duration
	}

	// Store implements checkpoint.Store on a Redis connection.
	Store struct {
		client  Commands
		prefix  string
		ttl     time.Duration
		timeout time.Duration
	}

	// envelope is the JSON shape stored under the session key.
	envelope struct {
		SessionID string    `json:"session_id"`
		Seq       uint64    `json:"seq"`
		Data      []byte    `json:"data"`
		SavedAt   time.Time `json:"saved_at"`
	}
)

// New builds a Store from the provided Redis connection.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		client:  opts.Client,
		prefix:  prefix,
		ttl:     opts.TTL,
		timeout: timeout,
	}, nil
}

// Save persists the snapshot unless a later sequence is already stored.
func (s *Store) Save(ctx context.Context, snap checkpoint.Snapshot) error {
	if snap.SessionID == "" {
		return errors.New("session id is required")
	}
	env := envelope{
		SessionID: snap.SessionID,
		Seq:       snap.Seq,
		Data:      snap.Data,
		SavedAt:   snap.SavedAt,
	}
	if env.SavedAt.IsZero() {
		env.SavedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ttlSeconds := int64(s.ttl / time.Second)
	written, err := s.client.Eval(ctx, saveScript, []string{s.key(snap.SessionID)}, payload, snap.Seq, ttlSeconds).Int()
	if err != nil {
		return fmt.Errorf("redis checkpoint save: %w", err)
	}
	if written == 0 {
		return fmt.Errorf("session %s seq %d: %w", snap.SessionID, snap.Seq, checkpoint.ErrStaleSequence)
	}
	return nil
}

// LoadLatest returns the stored snapshot for the session.
func (s *Store) LoadLatest(ctx context.Context, sessionID string) (checkpoint.Snapshot, error) {
	if sessionID == "" {
		return checkpoint.Snapshot{}, errors.New("session id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return checkpoint.Snapshot{}, fmt.Errorf("session %s: %w", sessionID, checkpoint.ErrNotFound)
		}
		return checkpoint.Snapshot{}, fmt.Errorf("redis checkpoint load: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return checkpoint.Snapshot{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return checkpoint.Snapshot{
		SessionID: env.SessionID,
		Seq:       env.Seq,
		Data:      env.Data,
		SavedAt:   env.SavedAt,
	}, nil
}

func (s *Store) key(sessionID string) string {
	return s.prefix + sessionID
}
