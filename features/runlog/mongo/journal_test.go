package mongo

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tessera-ai/tessera/runtime/hooks"
	"github.com/tessera-ai/tessera/runtime/state"
)

type fakeCollection struct {
	docs []document
	err  error
}

func (f *fakeCollection) InsertOne(_ context.Context, doc any,
	_ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.docs = append(f.docs, doc.(document))
	return &mongodriver.InsertOneResult{}, nil
}

func (f *fakeCollection) Find(_ context.Context, filter any,
	_ ...options.Lister[options.FindOptions]) (cursor, error) {
	sessionID := filter.(bson.M)["session_id"].(string)
	var matched []document
	for _, doc := range f.docs {
		if doc.SessionID == sessionID {
			matched = append(matched, doc)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp < matched[j].Timestamp })
	return &fakeCursor{docs: matched, pos: -1}, nil
}

func (f *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel,
	...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "session_id_1_timestamp_1", nil
}

type fakeCursor struct {
	docs []document
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	c.pos++
	return c.pos < len(c.docs)
}

func (c *fakeCursor) Decode(val any) error {
	doc := c.docs[c.pos]
	entry := val.(*Entry)
	entry.SessionID = doc.SessionID
	entry.Type = doc.Type
	entry.Timestamp = doc.Timestamp
	raw, err := bson.Marshal(doc.Payload)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, &entry.Payload)
}

func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }

func newTestJournal(t *testing.T) (*Journal, *fakeCollection) {
	t.Helper()
	coll := &fakeCollection{}
	journal, err := newJournalWithCollection(coll, time.Second)
	require.NoError(t, err)
	return journal, coll
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{Database: "tessera"})
	require.Error(t, err)
}

func TestHandleEventAppendsDocument(t *testing.T) {
	journal, coll := newTestJournal(t)

	task := &state.Task{ID: "t1", Capability: "news", Tool: "search_news"}
	require.NoError(t, journal.HandleEvent(context.Background(), hooks.NewTaskStarted("s1", task)))

	require.Len(t, coll.docs, 1)
	doc := coll.docs[0]
	assert.Equal(t, "s1", doc.SessionID)
	assert.Equal(t, string(hooks.TaskStarted), doc.Type)
	assert.NotZero(t, doc.Timestamp)
}

func TestListReturnsSessionEventsInOrder(t *testing.T) {
	journal, _ := newTestJournal(t)

	require.NoError(t, journal.HandleEvent(context.Background(), hooks.NewSessionStarted("s1", "query", false)))
	require.NoError(t, journal.HandleEvent(context.Background(), hooks.NewTaskCompleted("s1", "t1", time.Second)))
	require.NoError(t, journal.HandleEvent(context.Background(), hooks.NewSessionStarted("s2", "other", false)))

	entries, err := journal.List(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, string(hooks.SessionStarted), entries[0].Type)
	assert.Equal(t, string(hooks.TaskCompleted), entries[1].Type)
}

func TestListPayloadRoundTrips(t *testing.T) {
	journal, _ := newTestJournal(t)

	task := &state.Task{ID: "t1", Capability: "news", Tool: "search_news"}
	require.NoError(t, journal.HandleEvent(context.Background(), hooks.NewTaskStarted("s1", task)))

	entries, err := journal.List(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].Payload["taskid"])
}

func TestHandleEventRequiresSessionID(t *testing.T) {
	journal, _ := newTestJournal(t)

	err := journal.HandleEvent(context.Background(), hooks.NewSessionStarted("", "query", false))
	require.Error(t, err)
}
