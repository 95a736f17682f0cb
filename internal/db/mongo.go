package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mirajehossain/mongomigratex/internal/migrator"
)

// ConnectMongo opens a client and pings the deployment.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

// MongoStore keeps migration records in a collection of a control-plane
// database, one document per (namespace, version).
type MongoStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
}

func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	return &MongoStore{Client: client, Collection: client.Database(database).Collection(collection)}
}

type recordDoc struct {
	Namespace       string    `bson:"namespace"`
	Version         int64     `bson:"version"`
	Description     string    `bson:"description"`
	Checksum        string    `bson:"checksum"`
	Direction       string    `bson:"direction"`
	Status          string    `bson:"status"`
	AppliedAt       time.Time `bson:"appliedAt"`
	AppliedBy       string    `bson:"appliedBy"`
	DurationMS      int64     `bson:"durationMs"`
	FailedOperation int       `bson:"failedOperation"`
	Error           string    `bson:"error,omitempty"`
}

func toDoc(r migrator.Record) recordDoc {
	return recordDoc{
		Namespace:       r.Namespace,
		Version:         r.Version,
		Description:     r.Description,
		Checksum:        r.Checksum,
		Direction:       string(r.Direction),
		Status:          string(r.Status),
		AppliedAt:       r.AppliedAt,
		AppliedBy:       r.AppliedBy,
		DurationMS:      r.DurationMS,
		FailedOperation: r.FailedOperation,
		Error:           r.Error,
	}
}

func (d recordDoc) record() migrator.Record {
	return migrator.Record{
		Namespace:       d.Namespace,
		Version:         d.Version,
		Description:     d.Description,
		Checksum:        d.Checksum,
		Direction:       migrator.Direction(d.Direction),
		Status:          migrator.Status(d.Status),
		AppliedAt:       d.AppliedAt,
		AppliedBy:       d.AppliedBy,
		DurationMS:      d.DurationMS,
		FailedOperation: d.FailedOperation,
		Error:           d.Error,
	}
}

func recordKey(ns string, version int64) bson.D {
	return bson.D{{Key: "namespace", Value: ns}, {Key: "version", Value: version}}
}

// EnsureIndexes creates the unique (namespace, version) index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "namespace", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_namespace_version"),
	})
	return err
}

func (s *MongoStore) Applied(ctx context.Context, ns string) ([]migrator.Record, error) {
	cur, err := s.Collection.Find(ctx, bson.D{{Key: "namespace", Value: ns}}, options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []recordDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]migrator.Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

func (s *MongoStore) Record(ctx context.Context, r migrator.Record) error {
	_, err := s.Collection.InsertOne(ctx, toDoc(r))
	if mongo.IsDuplicateKeyError(err) {
		return migrator.ErrRecordExists
	}
	return err
}

func (s *MongoStore) Update(ctx context.Context, r migrator.Record) error {
	res, err := s.Collection.ReplaceOne(ctx, recordKey(r.Namespace, r.Version), toDoc(r))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return migrator.ErrRecordNotFound
	}
	return nil
}

func (s *MongoStore) Remove(ctx context.Context, ns string, version int64) error {
	_, err := s.Collection.DeleteOne(ctx, recordKey(ns, version))
	return err
}

// WithTransaction runs fn in a multi-document transaction. Requires a
// replica set or sharded cluster.
func (s *MongoStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.Client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(context.Background())
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}
