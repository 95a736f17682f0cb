package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultTTL is used by lease documents when the caller gives no ttl.
const DefaultTTL = 10 * time.Minute

// Mongo keeps one lease document per key: {_id: key, owner, expiresAt}.
// Acquiring upserts the document only when it is missing or expired; the
// unique _id turns a live lease into a duplicate key error.
type Mongo struct {
	Collection *mongo.Collection
	Clock      clock.Clock
}

func NewMongo(coll *mongo.Collection, clk clock.Clock) *Mongo {
	if clk == nil {
		clk = clock.New()
	}
	return &Mongo{Collection: coll, Clock: clk}
}

type leaseDoc struct {
	Key        string    `bson:"_id"`
	Owner      string    `bson:"owner"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

func acquireFilter(key string, now time.Time) bson.D {
	return bson.D{
		{Key: "_id", Value: key},
		{Key: "expiresAt", Value: bson.D{{Key: "$lt", Value: now}}},
	}
}

func acquireUpdate(owner string, now, expires time.Time) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "owner", Value: owner},
		{Key: "acquiredAt", Value: now},
		{Key: "expiresAt", Value: expires},
	}}}
}

func (m *Mongo) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.Clock.Now().UTC().Truncate(time.Millisecond)
	expires := now.Add(ttl)
	owner := Owner()

	_, err := m.Collection.UpdateOne(ctx, acquireFilter(key, now), acquireUpdate(owner, now, expires), options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		var cur leaseDoc
		if ferr := m.Collection.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&cur); ferr != nil && !errors.Is(ferr, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("read lease %s: %w", key, ferr)
		}
		return nil, heldError(key, cur.Owner)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return newLease(key, owner, expires, func(ctx context.Context) error {
		_, err := m.Collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}, {Key: "owner", Value: owner}})
		return err
	}), nil
}
