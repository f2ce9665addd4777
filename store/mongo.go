package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/nimbusflow/reactor/event"
)

const (
	defaultEventsCollection = "runtime_events"
	defaultMongoOpTimeout   = 5 * time.Second
)

// MongoEventStore implements event.Store on top of a MongoDB collection,
// indexed by event type, by metadata.correlationId, and by timestamp so
// ByType, ByCorrelationID, and Between are all index-backed.
type MongoEventStore struct {
	client  *mongo.Client
	events  *mongo.Collection
	timeout time.Duration
}

// MongoEventStoreOptions configures a MongoEventStore.
type MongoEventStoreOptions struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// NewMongoEventStore constructs a MongoEventStore, creating the supporting
// indexes if they do not already exist.
func NewMongoEventStore(ctx context.Context, opts MongoEventStoreOptions) (*MongoEventStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultEventsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultMongoOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureEventIndexes(ictx, coll); err != nil {
		return nil, err
	}
	return &MongoEventStore{client: opts.Client, events: coll, timeout: timeout}, nil
}

func ensureEventIndexes(ctx context.Context, coll *mongo.Collection) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "correlation_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	_, err := coll.Indexes().CreateMany(ctx, models)
	return err
}

// Ping verifies connectivity to the backing MongoDB deployment.
func (s *MongoEventStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

type eventDocument struct {
	ID            string         `bson:"id"`
	Type          string         `bson:"type"`
	Timestamp     time.Time      `bson:"timestamp"`
	CorrelationID string         `bson:"correlation_id,omitempty"`
	Payload       any            `bson:"payload"`
	Metadata      map[string]any `bson:"metadata,omitempty"`
}

func toDocument(evt event.Event) eventDocument {
	return eventDocument{
		ID:            evt.ID,
		Type:          evt.Type,
		Timestamp:     evt.Timestamp.UTC(),
		CorrelationID: evt.CorrelationID(),
		Payload:       evt.Payload,
		Metadata:      evt.Metadata,
	}
}

func (d eventDocument) toEvent() event.Event {
	return event.Event{
		ID:        d.ID,
		Type:      d.Type,
		Timestamp: d.Timestamp,
		Payload:   d.Payload,
		Metadata:  d.Metadata,
	}
}

// StoreEvent inserts evt. Duplicate event IDs are rejected by the unique
// index and surfaced to the caller.
func (s *MongoEventStore) StoreEvent(ctx context.Context, evt event.Event) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.events.InsertOne(ctx, toDocument(evt))
	return err
}

// ByType returns every stored event of the given type, oldest first.
func (s *MongoEventStore) ByType(ctx context.Context, eventType string) ([]event.Event, error) {
	return s.find(ctx, bson.D{{Key: "type", Value: eventType}})
}

// ByCorrelationID returns every stored event sharing the given correlation
// id, oldest first.
func (s *MongoEventStore) ByCorrelationID(ctx context.Context, correlationID string) ([]event.Event, error) {
	return s.find(ctx, bson.D{{Key: "correlation_id", Value: correlationID}})
}

// Between returns every stored event with Timestamp in [from, to], ordered
// by timestamp ascending.
func (s *MongoEventStore) Between(ctx context.Context, from, to time.Time) ([]event.Event, error) {
	filter := bson.D{{Key: "timestamp", Value: bson.D{
		{Key: "$gte", Value: from.UTC()},
		{Key: "$lte", Value: to.UTC()},
	}}}
	return s.find(ctx, filter)
}

func (s *MongoEventStore) find(ctx context.Context, filter bson.D) ([]event.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.events.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []event.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toEvent())
	}
	return out, cur.Err()
}

func (s *MongoEventStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
