package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meridianpay/saga/pkg/api"
)

// MongoEventStore is an append-only EventStore backed by MongoDB. A unique
// compound index on (instance_id, seq) turns a losing race for the next
// sequence into a duplicate key error.
type MongoEventStore struct {
	coll *mongo.Collection
}

var _ EventStore = (*MongoEventStore)(nil)

type mongoEventDoc struct {
	ID         string `bson:"event_id"`
	InstanceID string `bson:"instance_id"`
	Sequence   int64  `bson:"seq"`
	Type       string `bson:"type"`
	StepID     string `bson:"step_id,omitempty"`
	Payload    []byte `bson:"payload,omitempty"`
	At         int64  `bson:"at"`
}

// NewMongoEventStore creates a Mongo-backed event store and ensures the
// uniqueness index. dbName defaults to "saga", collName to "events".
func NewMongoEventStore(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoEventStore, error) {
	if dbName == "" {
		dbName = "saga"
	}
	if collName == "" {
		collName = "events"
	}
	coll := client.Database(dbName).Collection(collName)

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "instance_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &MongoEventStore{coll: coll}, nil
}

func (s *MongoEventStore) Append(ctx context.Context, instanceID string, expectedLastSeq int64, ev api.Event) (int64, error) {
	last, err := s.LastSequence(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	if last != expectedLastSeq {
		return 0, api.ErrSequenceConflict
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := EncodeValue(ev.Payload)
	if err != nil {
		return 0, err
	}

	seq := expectedLastSeq + 1
	_, err = s.coll.InsertOne(ctx, mongoEventDoc{
		ID:         ev.ID,
		InstanceID: instanceID,
		Sequence:   seq,
		Type:       string(ev.Type),
		StepID:     ev.StepID,
		Payload:    payload,
		At:         ev.At.UnixNano(),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, api.ErrSequenceConflict
		}
		return 0, err
	}
	return seq, nil
}

func (s *MongoEventStore) Read(ctx context.Context, instanceID string) ([]api.Event, error) {
	cur, err := s.coll.Find(ctx,
		bson.M{"instance_id": instanceID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var events []api.Event
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		payload, err := DecodeValue[map[string]any](doc.Payload)
		if err != nil {
			return nil, err
		}
		events = append(events, api.Event{
			ID:         doc.ID,
			InstanceID: doc.InstanceID,
			Sequence:   doc.Sequence,
			Type:       api.EventType(doc.Type),
			StepID:     doc.StepID,
			Payload:    payload,
			At:         time.Unix(0, doc.At),
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *MongoEventStore) LastSequence(ctx context.Context, instanceID string) (int64, error) {
	var doc mongoEventDoc
	err := s.coll.FindOne(ctx,
		bson.M{"instance_id": instanceID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, nil
		}
		return 0, err
	}
	return doc.Sequence, nil
}
