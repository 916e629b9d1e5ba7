// Package mongo provides a checkpoint.Store backed by MongoDB. Each session
// keeps one document holding its latest snapshot; saves are guarded upserts
// whose filter only matches when the incoming sequence advances the stored
// one, so the unique session index turns stale writes into refusals.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tessera-ai/tessera/runtime/checkpoint"
)

const (
	defaultCollection = "session_checkpoints"
	defaultOpTimeout  = 5 * time.Second
)

type (
	// Options configures the Mongo checkpoint store.
	Options struct {
		// Client is the Mongo connection. Required.
		Client *mongodriver.Client
		// Database names the target database. Required.
		Database string
		// Collection names the checkpoint collection. Defaults to
		// "session_checkpoints".
		Collection string
		// Timeout bounds individual Mongo operations.
		Timeout time.Duration
	}

	// Store implements checkpoint.Store on a Mongo collection.
	Store struct {
		checkpoints collection
		timeout     time.Duration
	}

	// document is the stored shape of a snapshot.
	document struct {
		SessionID string    `bson:"session_id"`
		Seq       int64     `bson:"seq"`
		Data      []byte    `bson:"data"`
		SavedAt   time.Time `bson:"saved_at"`
	}
)

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
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
	return newStoreWithCollection(coll, timeout)
}

func newStoreWithCollection(coll collection, timeout time.Duration) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{checkpoints: coll, timeout: timeout}, nil
}

// Save upserts the snapshot. The filter only matches a document with a lower
// sequence, so a stale save attempts an insert and trips the unique index.
func (s *Store) Save(ctx context.Context, snap checkpoint.Snapshot) error {
	if snap.SessionID == "" {
		return errors.New("session id is required")
	}
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"session_id": snap.SessionID,
		"seq":        bson.M{"$lt": int64(snap.Seq)},
	}
	update := bson.M{
		"$set": bson.M{
			"seq":      int64(snap.Seq),
			"data":     snap.Data,
			"saved_at": savedAt.UTC(),
		},
		"$setOnInsert": bson.M{
			"session_id": snap.SessionID,
		},
	}
	_, err := s.checkpoints.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("session %s seq %d: %w", snap.SessionID, snap.Seq, checkpoint.ErrStaleSequence)
		}
		return fmt.Errorf("mongo checkpoint save: %w", err)
	}
	return nil
}

// LoadLatest returns the stored snapshot for the session.
func (s *Store) LoadLatest(ctx context.Context, sessionID string) (checkpoint.Snapshot, error) {
	if sessionID == "" {
		return checkpoint.Snapshot{}, errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc document
	if err := s.checkpoints.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return checkpoint.Snapshot{}, fmt.Errorf("session %s: %w", sessionID, checkpoint.ErrNotFound)
		}
		return checkpoint.Snapshot{}, fmt.Errorf("mongo checkpoint load: %w", err)
	}
	return checkpoint.Snapshot{
		SessionID: doc.SessionID,
		Seq:       uint64(doc.Seq),
		Data:      doc.Data,
		SavedAt:   doc.SavedAt,
	}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

// collection captures the driver surface the store touches so tests can
// substitute fakes.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
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
