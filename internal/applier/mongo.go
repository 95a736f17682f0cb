// Package applier runs migration operations as MongoDB database commands.
package applier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mirajehossain/mongomigratex/internal/migrator"
)

// Mongo applies operations with RunCommand on one database.
type Mongo struct {
	DB *mongo.Database
}

func New(db *mongo.Database) *Mongo {
	return &Mongo{DB: db}
}

// Register binds every command kind to an applier for db.
func Register(reg migrator.Registry, db *mongo.Database) {
	a := New(db)
	for _, kind := range migrator.CommandKinds {
		reg.Register(kind, a)
	}
}

func (m *Mongo) Apply(ctx context.Context, op migrator.Operation) error {
	cmd, err := Command(op)
	if err != nil {
		return err
	}
	raw, err := m.DB.RunCommand(ctx, cmd).Raw()
	if err != nil {
		return err
	}
	return CheckResult(raw)
}

// Command builds the command document of op, with the command name as the
// first key as the server requires. An operation with an explicit kind
// names its collection with a "collection" key instead.
func Command(op migrator.Operation) (bson.D, error) {
	raw := op.Raw
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(op.Payload); err != nil {
			return nil, err
		}
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, fmt.Errorf("%s: decode payload: %w", op.Kind, err)
	}
	if i := index(doc, op.Kind); i >= 0 {
		return front(doc, i, doc[i].Key), nil
	}
	if i := index(doc, "collection"); i >= 0 {
		return front(doc, i, op.Kind), nil
	}
	return nil, fmt.Errorf("%s: missing %q or \"collection\"", op.Kind, op.Kind)
}

func index(doc bson.D, key string) int {
	for i, e := range doc {
		if e.Key == key {
			return i
		}
	}
	return -1
}

// front moves doc[i] to the head of the document under the given key.
func front(doc bson.D, i int, key string) bson.D {
	out := make(bson.D, 0, len(doc))
	out = append(out, bson.E{Key: key, Value: doc[i].Value})
	out = append(out, doc[:i]...)
	return append(out, doc[i+1:]...)
}

type writeError struct {
	Index  int    `bson:"index"`
	Code   int    `bson:"code"`
	Errmsg string `bson:"errmsg"`
}

type commandResult struct {
	WriteErrors       []writeError `bson:"writeErrors"`
	WriteConcernError *writeError  `bson:"writeConcernError"`
}

// CheckResult reports write errors that the server returns with ok: 1.
func CheckResult(raw bson.Raw) error {
	var res commandResult
	if err := bson.Unmarshal(raw, &res); err != nil {
		return err
	}
	var msgs []string
	for _, we := range res.WriteErrors {
		msgs = append(msgs, fmt.Sprintf("document %d: (%d) %s", we.Index, we.Code, we.Errmsg))
	}
	if wce := res.WriteConcernError; wce != nil {
		msgs = append(msgs, fmt.Sprintf("write concern: (%d) %s", wce.Code, wce.Errmsg))
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.New(strings.Join(msgs, "; "))
}
