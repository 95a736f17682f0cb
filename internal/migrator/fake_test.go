package migrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing/fstest"
)

// fakeDB is an in-memory target database understanding a few commands.
type fakeDB struct {
	mu    sync.Mutex
	colls map[string][]any
	calls []string
	// broken makes every "boom" operation fail.
	broken bool
	// block, when set, is waited on by "wait" operations.
	started chan struct{}
	block   chan struct{}
}

func newFakeDB() *fakeDB {
	return &fakeDB{colls: map[string][]any{}, broken: true}
}

func (f *fakeDB) registry() Registry {
	reg := Registry{}
	for _, kind := range []string{"create", "drop", "insert", "delete", "boom", "sleep", "wait"} {
		reg.Register(kind, ApplierFunc(f.apply))
	}
	return reg
}

func (f *fakeDB) factory(string) (Registry, error) { return f.registry(), nil }

func (f *fakeDB) apply(ctx context.Context, op Operation) error {
	switch op.Kind {
	case "sleep":
		<-ctx.Done()
		return ctx.Err()
	case "wait":
		f.started <- struct{}{}
		<-f.block
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op.Kind+":"+op.Target)
	switch op.Kind {
	case "create":
		if _, ok := f.colls[op.Target]; ok {
			return fmt.Errorf("collection %s already exists", op.Target)
		}
		f.colls[op.Target] = []any{}
	case "drop":
		if _, ok := f.colls[op.Target]; !ok {
			return fmt.Errorf("ns %s not found", op.Target)
		}
		delete(f.colls, op.Target)
	case "insert":
		docs, _ := op.Payload["documents"].([]any)
		f.colls[op.Target] = append(f.colls[op.Target], docs...)
	case "delete":
		f.colls[op.Target] = []any{}
	case "boom":
		if f.broken {
			return errors.New("boom")
		}
	}
	return nil
}

func (f *fakeDB) count(coll string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.colls[coll])
}

func (f *fakeDB) collections() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.colls))
	for c := range f.colls {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (f *fakeDB) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// productFS is the product catalog namespace: create, seed three documents,
// then a reviews collection.
func productFS() fstest.MapFS {
	return fstest.MapFS{
		"mongo-product/000001_create_product_catalog.up.yaml":   {Data: []byte("- create: product_catalog\n")},
		"mongo-product/000001_create_product_catalog.down.yaml": {Data: []byte("- drop: product_catalog\n")},
		"mongo-product/000002_seed_product_catalog.up.json": {Data: []byte(`[
  {"insert": "product_catalog", "documents": [{"sku": "ELEC-LAP-001"}, {"sku": "ELEC-PHO-001"}, {"sku": "FURN-CHA-001"}]}
]`)},
		"mongo-product/000002_seed_product_catalog.down.json": {Data: []byte(`[{"delete": "product_catalog", "deletes": [{"q": {}, "limit": 0}]}]`)},
		"mongo-product/000003_reviews.up.yaml":                {Data: []byte("- create: reviews\n")},
		"mongo-product/000003_reviews.down.yaml":              {Data: []byte("- drop: reviews\n")},
	}
}
