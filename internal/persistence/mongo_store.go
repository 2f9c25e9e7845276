package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meridianpay/saga/pkg/api"
)

// MongoInstanceStore is an InstanceStore backed by MongoDB. Instances and
// leases live in separate collections; the lease document is updated with
// conditional writes so acquisition is atomic.
type MongoInstanceStore struct {
	coll   *mongo.Collection
	leases *mongo.Collection
}

// Ensure it implements InstanceStore.
var _ InstanceStore = (*MongoInstanceStore)(nil)

// NewMongoInstanceStore creates a Mongo-backed instance store.
// dbName defaults to "saga" if empty, collName defaults to "instances".
func NewMongoInstanceStore(client *mongo.Client, dbName, collName string) *MongoInstanceStore {
	if dbName == "" {
		dbName = "saga"
	}
	if collName == "" {
		collName = "instances"
	}
	db := client.Database(dbName)
	return &MongoInstanceStore{
		coll:   db.Collection(collName),
		leases: db.Collection(collName + "_leases"),
	}
}

type mongoInstanceDoc struct {
	ID                string `bson:"_id"`
	DefinitionName    string `bson:"definition_name"`
	DefinitionVersion string `bson:"definition_version"`
	TenantID          string `bson:"tenant_id,omitempty"`
	Status            string `bson:"status"`
	CurrentStep       int    `bson:"current_step"`
	LastSequence      int64  `bson:"last_sequence"`
	CancelRequested   bool   `bson:"cancel_requested"`
	Steps             []byte `bson:"steps,omitempty"`
	Context           []byte `bson:"context,omitempty"`
	CreatedAt         int64  `bson:"created_at"`
	UpdatedAt         int64  `bson:"updated_at"`
	CompletedAt       int64  `bson:"completed_at,omitempty"`
	Error             string `bson:"error,omitempty"`
}

func newMongoInstanceDoc(inst *api.WorkflowInstance) (mongoInstanceDoc, error) {
	steps, err := EncodeValue(inst.Steps)
	if err != nil {
		return mongoInstanceDoc{}, err
	}
	contextBlob, err := EncodeValue(inst.Context)
	if err != nil {
		return mongoInstanceDoc{}, err
	}

	doc := mongoInstanceDoc{
		ID:                inst.ID,
		DefinitionName:    inst.DefinitionName,
		DefinitionVersion: inst.DefinitionVersion,
		TenantID:          inst.TenantID,
		Status:            string(inst.Status),
		CurrentStep:       inst.CurrentStep,
		LastSequence:      inst.LastSequence,
		CancelRequested:   inst.CancelRequested,
		Steps:             steps,
		Context:           contextBlob,
		CreatedAt:         inst.CreatedAt.UnixNano(),
		UpdatedAt:         inst.UpdatedAt.UnixNano(),
		Error:             inst.Err,
	}
	if inst.CompletedAt != nil {
		doc.CompletedAt = inst.CompletedAt.UnixNano()
	}
	return doc, nil
}

func (d mongoInstanceDoc) toInstance() (*api.WorkflowInstance, error) {
	steps, err := DecodeValue[[]api.SagaStep](d.Steps)
	if err != nil {
		return nil, err
	}
	ctxVal, err := DecodeValue[map[string]any](d.Context)
	if err != nil {
		return nil, err
	}

	inst := &api.WorkflowInstance{
		ID:                d.ID,
		DefinitionName:    d.DefinitionName,
		DefinitionVersion: d.DefinitionVersion,
		TenantID:          d.TenantID,
		Status:            api.Status(d.Status),
		CurrentStep:       d.CurrentStep,
		LastSequence:      d.LastSequence,
		CancelRequested:   d.CancelRequested,
		Steps:             steps,
		Context:           ctxVal,
		CreatedAt:         time.Unix(0, d.CreatedAt),
		UpdatedAt:         time.Unix(0, d.UpdatedAt),
		Err:               d.Error,
	}
	if d.CompletedAt != 0 {
		t := time.Unix(0, d.CompletedAt)
		inst.CompletedAt = &t
	}
	return inst, nil
}

func (s *MongoInstanceStore) SaveInstance(inst *api.WorkflowInstance) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	doc, err := newMongoInstanceDoc(inst)
	if err != nil {
		return err
	}
	_, err = s.coll.InsertOne(ctx, doc)
	return err
}

func (s *MongoInstanceStore) UpdateInstance(inst *api.WorkflowInstance) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	doc, err := newMongoInstanceDoc(inst)
	if err != nil {
		return err
	}

	set := bson.M{
		"status":        doc.Status,
		"current_step":  doc.CurrentStep,
		"last_sequence": doc.LastSequence,
		"steps":         doc.Steps,
		"context":       doc.Context,
		"updated_at":    doc.UpdatedAt,
		"completed_at":  doc.CompletedAt,
		"error":         doc.Error,
	}
	// Only ever set the marker; a concurrent RequestCancel must not be
	// cleared by an update carrying an older projection.
	if doc.CancelRequested {
		set["cancel_requested"] = true
	}

	res, err := s.coll.UpdateByID(ctx, inst.ID, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *MongoInstanceStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var doc mongoInstanceDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return doc.toInstance()
}

func (s *MongoInstanceStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bfilter := bson.M{}
	if filter.DefinitionName != "" {
		bfilter["definition_name"] = filter.DefinitionName
	}
	if filter.TenantID != "" {
		bfilter["tenant_id"] = filter.TenantID
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	cur, err := s.coll.Find(ctx, bfilter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.WorkflowInstance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := doc.toInstance()
		if err != nil {
			return nil, err
		}
		results = append(results, inst)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *MongoInstanceStore) RequestCancel(ctx context.Context, instanceID string) error {
	res, err := s.coll.UpdateByID(ctx, instanceID, bson.M{"$set": bson.M{
		"cancel_requested": true,
		"updated_at":       time.Now().UnixNano(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

type mongoLeaseDoc struct {
	ID        string `bson:"_id"`
	Owner     string `bson:"owner"`
	ExpiresAt int64  `bson:"expires_at"`
}

func (s *MongoInstanceStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()

	// Conditional upsert: matches only when the lease is free, expired, or
	// already ours. A live lease held elsewhere makes the filter match
	// nothing and the upsert trip the _id unique index.
	filter := bson.M{
		"_id": instanceID,
		"$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"expires_at": bson.M{"$lte": now.UnixNano()}},
		},
	}
	update := bson.M{"$set": bson.M{
		"owner":      owner,
		"expires_at": now.Add(ttl).UnixNano(),
	}}

	_, err := s.leases.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MongoInstanceStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.leases.UpdateOne(ctx,
		bson.M{"_id": instanceID, "owner": owner, "expires_at": bson.M{"$gt": now.UnixNano()}},
		bson.M{"$set": bson.M{"expires_at": now.Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrConcurrentExecution
	}
	return nil
}

func (s *MongoInstanceStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	// Idempotent: deletes only our own or an expired lease.
	_, err := s.leases.DeleteOne(ctx, bson.M{
		"_id": instanceID,
		"$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"expires_at": bson.M{"$lte": time.Now().UnixNano()}},
		},
	})
	return err
}
