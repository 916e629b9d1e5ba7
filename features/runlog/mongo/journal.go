// Package mongo provides a MongoDB-backed session event journal. The journal
// subscribes to the engine's event bus and appends every lifecycle event as a
// document, giving operators a queryable audit trail alongside the checkpoint
// history.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tessera-ai/tessera/runtime/hooks"
)

const (
	defaultCollection = "session_events"
	defaultOpTimeout  = 5 * time.Second
	defaultListLimit  = 100
)

type (
	// Options configures the Mongo event journal.
	Options struct {
		// Client is the Mongo connection. Required.
		Client *mongodriver.Client
		// Database names the target database. Required.
		Database string
		// Collection names the journal collection. Defaults to
		// "session_events".
		Collection string
		// Timeout bounds individual Mongo operations.
		Timeout time.Duration
	}

	// Journal implements hooks.Subscriber by appending events to a Mongo
	// collection.
	Journal struct {
		events  collection
		timeout time.Duration
	}

	// Entry is one journaled event.
	Entry struct {
		SessionID string `bson:"session_id"`
		Type      string `bson:"type"`
		Timestamp int64  `bson:"timestamp"`
		Payload   bson.M `bson:"payload,omitempty"`
	}

	document struct {
		SessionID string `bson:"session_id"`
		Type      string `bson:"type"`
		Timestamp int64  `bson:"timestamp"`
		Payload   any    `bson:"payload,omitempty"`
	}
)

// New returns a Journal backed by MongoDB and ensures its indexes.
func New(opts Options) (*Journal, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newJournalWithCollection(coll, timeout)
}

func newJournalWithCollection(coll collection, timeout time.Duration) (*Journal, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Journal{events: coll, timeout: timeout}, nil
}

// HandleEvent appends the event to the journal. It implements
// hooks.Subscriber so the journal registers directly on the engine bus.
func (j *Journal) HandleEvent(ctx context.Context, event hooks.Event) error {
	if event.SessionID() == "" {
		return errors.New("event missing session id")
	}
	ctx, cancel := j.withTimeout(ctx)
	defer cancel()
	doc := document{
		SessionID: event.SessionID(),
		Type:      string(event.Type()),
		Timestamp: event.Timestamp(),
		Payload:   event,
	}
	if _, err := j.events.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongo journal append: %w", err)
	}
	return nil
}

// List returns the session's events in publication order, up to limit.
func (j *Journal) List(ctx context.Context, sessionID string, limit int64) ([]Entry, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	ctx, cancel := j.withTimeout(ctx)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(limit)
	cur, err := j.events.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo journal list: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var out []Entry
	for cur.Next(ctx) {
		var entry Entry
		if err := cur.Decode(&entry); err != nil {
			return nil, fmt.Errorf("mongo journal list: %w", err)
		}
		out = append(out, entry)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo journal list: %w", err)
	}
	return out, nil
}

func (j *Journal) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if j.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, j.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

var _ hooks.Subscriber = (*Journal)(nil)

// collection captures the driver surface the journal touches so tests can
// substitute fakes.
type collection interface {
	InsertOne(ctx context.Context, document any,
		opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any,
		opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any,
	opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any,
	opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
