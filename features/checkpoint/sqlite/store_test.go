package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/tessera/runtime/checkpoint"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}

func TestSaveAndLoadLatest(t *testing.T) {
	store := newTestStore(t)

	saved := checkpoint.Snapshot{
		SessionID: "s1",
		Seq:       3,
		Data:      []byte(`{"version":1}`),
		SavedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(context.Background(), saved))

	got, err := store.LoadLatest(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, saved.SessionID, got.SessionID)
	assert.Equal(t, saved.Seq, got.Seq)
	assert.Equal(t, saved.Data, got.Data)
	assert.True(t, saved.SavedAt.Equal(got.SavedAt))
}

func TestSaveRefusesStaleSequence(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(context.Background(), checkpoint.Snapshot{SessionID: "s1", Seq: 5, Data: []byte("a")}))
	err := store.Save(context.Background(), checkpoint.Snapshot{SessionID: "s1", Seq: 5, Data: []byte("b")})
	require.ErrorIs(t, err, checkpoint.ErrStaleSequence)
	err = store.Save(context.Background(), checkpoint.Snapshot{SessionID: "s1", Seq: 2, Data: []byte("c")})
	require.ErrorIs(t, err, checkpoint.ErrStaleSequence)

	got, err := store.LoadLatest(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got.Data)
	assert.Equal(t, uint64(5), got.Seq)
}

func TestLoadLatestNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadLatest(context.Background(), "missing")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestSaveStampsSavedAt(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(context.Background(), checkpoint.Snapshot{SessionID: "s1", Seq: 1, Data: []byte("a")}))
	got, err := store.LoadLatest(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, got.SavedAt.IsZero())
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), checkpoint.Snapshot{SessionID: "s1", Seq: 7, Data: []byte("a")}))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.LoadLatest(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Seq)
	assert.Equal(t, []byte("a"), got.Data)
}

func TestConcurrentSessions(t *testing.T) {
	store := newTestStore(t)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			id := string(rune('a' + n))
			for seq := uint64(1); seq <= 20; seq++ {
				assert.NoError(t, store.Save(context.Background(), checkpoint.Snapshot{
					SessionID: id,
					Seq:       seq,
					Data:      []byte{byte(seq)},
				}))
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	for i := 0; i < 4; i++ {
		got, err := store.LoadLatest(context.Background(), string(rune('a'+i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(20), got.Seq)
	}
}
