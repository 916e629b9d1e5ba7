package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tessera-ai/tessera/runtime/checkpoint"
)

// fakeCollection emulates the guarded upsert against an in-process map so
// sequence handling can be exercised without a Mongo deployment.
type fakeCollection struct {
	docs map[string]document
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]document)}
}

func (f *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	sessionID := filter.(bson.M)["session_id"].(string)
	doc, ok := f.docs[sessionID]
	if !ok {
		return mongodriver.NewSingleResultFromDocument(bson.D{}, mongodriver.ErrNoDocuments, nil)
	}
	return mongodriver.NewSingleResultFromDocument(doc, nil, nil)
}

func (f *fakeCollection) UpdateOne(_ context.Context, filter any, update any,
	_ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	fm := filter.(bson.M)
	sessionID := fm["session_id"].(string)
	seq := fm["seq"].(bson.M)["$lt"].(int64)
	set := update.(bson.M)["$set"].(bson.M)

	if cur, ok := f.docs[sessionID]; ok {
		if cur.Seq >= seq {
			// The filter does not match, so the upsert inserts and
			// collides with the unique session index.
			return nil, mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000}}}
		}
		cur.Seq = set["seq"].(int64)
		cur.Data = set["data"].([]byte)
		cur.SavedAt = set["saved_at"].(time.Time)
		f.docs[sessionID] = cur
		return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	f.docs[sessionID] = document{
		SessionID: sessionID,
		Seq:       set["seq"].(int64),
		Data:      set["data"].([]byte),
		SavedAt:   set["saved_at"].(time.Time),
	}
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (f *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel,
	...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "session_id_1", nil
}

func newTestStore(t *testing.T) (*Store, *fakeCollection) {
	t.Helper()
	coll := newFakeCollection()
	store, err := newStoreWithCollection(coll, time.Second)
	require.NoError(t, err)
	return store, coll
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{Database: "tessera"})
	require.Error(t, err)
}

func TestSaveAndLoadLatest(t *testing.T) {
	store, _ := newTestStore(t)

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
	store, _ := newTestStore(t)

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
	store, _ := newTestStore(t)

	_, err := store.LoadLatest(context.Background(), "missing")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestSaveStampsSavedAt(t *testing.T) {
	store, coll := newTestStore(t)

	require.NoError(t, store.Save(context.Background(), checkpoint.Snapshot{SessionID: "s1", Seq: 1, Data: []byte("a")}))
	assert.False(t, coll.docs["s1"].SavedAt.IsZero())
}

func TestSaveRequiresSessionID(t *testing.T) {
	store, _ := newTestStore(t)

	require.Error(t, store.Save(context.Background(), checkpoint.Snapshot{Seq: 1}))
}

func TestSessionsAreIndependent(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Save(context.Background(), checkpoint.Snapshot{SessionID: "s1", Seq: 9, Data: []byte("a")}))
	require.NoError(t, store.Save(context.Background(), checkpoint.Snapshot{SessionID: "s2", Seq: 1, Data: []byte("b")}))

	got, err := store.LoadLatest(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Seq)
}
