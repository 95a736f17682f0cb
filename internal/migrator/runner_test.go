package migrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mirajehossain/mongomigratex/internal/lock"
)

func newTestRunner(t *testing.T, fsys fstest.MapFS, store Store, db *fakeDB, locker lock.Locker) *Runner {
	t.Helper()
	return &Runner{
		Source:    &Source{FS: fsys},
		Store:     store,
		Locker:    locker,
		Appliers:  db.factory,
		LockScope: "schema_migrations",
		LockTTL:   time.Minute,
		AppliedBy: "test",
		Log:       zaptest.NewLogger(t),
	}
}

func recordedVersions(t *testing.T, store Store, ns string) []int64 {
	t.Helper()
	recs, err := store.Applied(context.Background(), ns)
	require.NoError(t, err)
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Version)
	}
	return out
}

func TestRunnerProductScenario(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	db := newFakeDB()
	r := newTestRunner(t, productFS(), store, db, lock.NewMemory(clock.New()))

	res, err := r.Up(ctx, "mongo-product", nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, res.Versions)
	assert.Equal(t, int64(0), res.From)
	assert.Equal(t, int64(3), res.To)
	assert.Equal(t, 3, db.count("product_catalog"))
	assert.Equal(t, []string{"product_catalog", "reviews"}, db.collections())

	st, err := r.Status(ctx, "mongo-product")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Current)
	assert.Equal(t, int64(3), st.Latest)
	assert.Equal(t, 0, st.Pending)
	assert.Empty(t, st.Findings)
	assert.Equal(t, StateClean, st.State)

	res, err = r.Down(ctx, "mongo-product", ptr(1))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, res.Versions)
	assert.Equal(t, int64(1), res.To)
	assert.Equal(t, []int64{1}, recordedVersions(t, store, "mongo-product"))
	assert.Equal(t, []string{"product_catalog"}, db.collections())
	assert.Equal(t, 0, db.count("product_catalog"))
}

func failingFS() fstest.MapFS {
	fsys := productFS()
	fsys["mongo-product/000002_seed_product_catalog.up.yaml"] = &fstest.MapFile{Data: []byte(`
- insert: product_catalog
  documents: [{sku: A}]
- insert: product_catalog
  documents: [{sku: B}]
- kind: boom
`)}
	delete(fsys, "mongo-product/000002_seed_product_catalog.up.json")
	return fsys
}

func TestRunnerFailureNeedsResolution(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	db := newFakeDB()
	r := newTestRunner(t, failingFS(), store, db, lock.NewMemory(clock.New()))

	_, err := r.Up(ctx, "mongo-product", nil)
	var pe *PartialApplicationError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, int64(2), pe.Version)
	assert.Equal(t, 2, pe.Index)
	assert.Equal(t, StateFailed, r.State("mongo-product"))

	recs, err := store.Applied(ctx, "mongo-product")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, StatusFailed, recs[1].Status)
	assert.Equal(t, 2, recs[1].FailedOperation)

	inserts := db.callCount("insert:product_catalog")
	_, err = r.Up(ctx, "mongo-product", nil)
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, 2, pe.Index)
	assert.Equal(t, inserts, db.callCount("insert:product_catalog"), "failed unit was re-run")
	assert.NotContains(t, db.collections(), "reviews")

	st, err := r.Status(ctx, "mongo-product")
	require.NoError(t, err)
	require.NotNil(t, st.Failed)
	assert.Equal(t, int64(2), st.Failed.Version)
	assert.Equal(t, StateFailed, st.State)
}

func TestRunnerResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("retry refuses non-idempotent", func(t *testing.T) {
		db := newFakeDB()
		r := newTestRunner(t, failingFS(), NewMemStore(), db, lock.NewMemory(clock.New()))
		_, err := r.Up(ctx, "mongo-product", nil)
		require.Error(t, err)

		err = r.Resolve(ctx, "mongo-product", 2, Retry, false)
		assert.True(t, errors.Is(err, ErrNotIdempotent), "got %v", err)
		assert.Equal(t, StateFailed, r.State("mongo-product"))
	})

	t.Run("forced retry", func(t *testing.T) {
		store := NewMemStore()
		db := newFakeDB()
		r := newTestRunner(t, failingFS(), store, db, lock.NewMemory(clock.New()))
		_, err := r.Up(ctx, "mongo-product", nil)
		require.Error(t, err)

		db.broken = false
		require.NoError(t, r.Resolve(ctx, "mongo-product", 2, Retry, true))
		assert.Equal(t, StateClean, r.State("mongo-product"))

		res, err := r.Up(ctx, "mongo-product", nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, res.Versions)
	})

	t.Run("mark applied", func(t *testing.T) {
		store := NewMemStore()
		r := newTestRunner(t, failingFS(), store, newFakeDB(), lock.NewMemory(clock.New()))
		_, err := r.Up(ctx, "mongo-product", nil)
		require.Error(t, err)

		require.NoError(t, r.Resolve(ctx, "mongo-product", 2, MarkApplied, false))
		recs, _ := store.Applied(ctx, "mongo-product")
		require.Len(t, recs, 2)
		assert.Equal(t, StatusApplied, recs[1].Status)
		assert.Equal(t, NoOperation, recs[1].FailedOperation)
		assert.Empty(t, recs[1].Error)

		res, err := r.Up(ctx, "mongo-product", nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, res.Versions)
	})

	t.Run("mark reverted", func(t *testing.T) {
		store := NewMemStore()
		r := newTestRunner(t, failingFS(), store, newFakeDB(), lock.NewMemory(clock.New()))
		_, err := r.Up(ctx, "mongo-product", nil)
		require.Error(t, err)

		require.NoError(t, r.Resolve(ctx, "mongo-product", 2, MarkReverted, false))
		assert.Equal(t, []int64{1}, recordedVersions(t, store, "mongo-product"))
	})

	t.Run("nothing to resolve", func(t *testing.T) {
		r := newTestRunner(t, productFS(), NewMemStore(), newFakeDB(), lock.NewMemory(clock.New()))
		_, err := r.Up(ctx, "mongo-product", nil)
		require.NoError(t, err)
		err = r.Resolve(ctx, "mongo-product", 2, MarkApplied, false)
		assert.True(t, errors.Is(err, ErrNoSuchVersion), "got %v", err)
	})
}

func TestRunnerLockHeld(t *testing.T) {
	ctx := context.Background()
	locker := lock.NewMemory(clock.New())
	fsys := fstest.MapFS{
		"ns/000001_slow.up.yaml": {Data: []byte("- kind: wait\n")},
	}
	db := newFakeDB()
	db.started = make(chan struct{})
	db.block = make(chan struct{})

	a := newTestRunner(t, fsys, NewMemStore(), db, locker)
	b := newTestRunner(t, fsys, a.Store, db, locker)

	var (
		wg   sync.WaitGroup
		aErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, aErr = a.Up(ctx, "ns", nil)
	}()
	<-db.started
	assert.Equal(t, StateApplying, a.State("ns"))

	_, err := b.Up(ctx, "ns", nil)
	assert.True(t, errors.Is(err, ErrLockHeld), "got %v", err)
	assert.Equal(t, CodeLockHeld, CodeOf(err))

	// status needs no lease
	_, err = b.Status(ctx, "ns")
	assert.NoError(t, err)

	close(db.block)
	wg.Wait()
	require.NoError(t, aErr)

	res, err := b.Up(ctx, "ns", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Versions)
}

func TestRunnerRecoversInterruptedUnit(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	db := newFakeDB()
	r := newTestRunner(t, productFS(), store, db, lock.NewMemory(clock.New()))

	// a crash after v1 ran but before it was promoted
	units, err := r.Source.List("mongo-product")
	require.NoError(t, err)
	exec, err := r.executor("mongo-product")
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, Record{Namespace: "mongo-product", Version: 1, Checksum: units[0].Checksum, Direction: Up, Status: StatusPending, FailedOperation: NoOperation}))
	err = exec.Appliers["create"].Apply(ctx, units[0].Up.Operations[0])
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = r.Up(ctx, "mongo-product", nil)
		var pe *PartialApplicationError
		require.True(t, errors.As(err, &pe), "got %v", err)
		assert.Equal(t, NoOperation, pe.Index)
		assert.Equal(t, 1, db.callCount("create:product_catalog"))
	}
	recs, _ := store.Applied(ctx, "mongo-product")
	assert.Equal(t, StatusFailed, recs[0].Status)

	require.NoError(t, r.Resolve(ctx, "mongo-product", 1, MarkApplied, false))
	res, err := r.Up(ctx, "mongo-product", nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, res.Versions)
	assert.Equal(t, 1, db.callCount("create:product_catalog"))
}

func TestRunnerDownUpRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	db := newFakeDB()
	r := newTestRunner(t, productFS(), store, db, nil)

	_, err := r.Up(ctx, "mongo-product", nil)
	require.NoError(t, err)
	before, _ := store.Applied(ctx, "mongo-product")
	colls := db.collections()
	docs := db.count("product_catalog")

	_, err = r.Down(ctx, "mongo-product", ptr(1))
	require.NoError(t, err)
	_, err = r.Up(ctx, "mongo-product", ptr(3))
	require.NoError(t, err)

	after, _ := store.Applied(ctx, "mongo-product")
	if diff := cmp.Diff(before, after, cmpopts.IgnoreFields(Record{}, "AppliedAt", "DurationMS")); diff != "" {
		t.Fatalf("records changed (-before +after):\n%s", diff)
	}
	assert.Equal(t, colls, db.collections())
	assert.Equal(t, docs, db.count("product_catalog"))
}

// TestRunnerRandomSequencesKeepPrefix checks that after any sequence of ups
// and downs the recorded versions are exactly a prefix of the units.
func TestRunnerRandomSequencesKeepPrefix(t *testing.T) {
	ctx := context.Background()
	fsys := fstest.MapFS{}
	versions := []int64{1, 2, 4, 7, 8, 10}
	for _, v := range versions {
		fsys[fmt.Sprintf("ns/%06d_c%d.up.yaml", v, v)] = &fstest.MapFile{Data: []byte(fmt.Sprintf("- create: c%d\n", v))}
		fsys[fmt.Sprintf("ns/%06d_c%d.down.yaml", v, v)] = &fstest.MapFile{Data: []byte(fmt.Sprintf("- drop: c%d\n", v))}
	}
	store := NewMemStore()
	db := newFakeDB()
	r := newTestRunner(t, fsys, store, db, lock.NewMemory(clock.New()))

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		var target *int64
		if rng.Intn(3) > 0 {
			target = ptr(versions[rng.Intn(len(versions))])
		}
		var err error
		if rng.Intn(2) == 0 {
			_, err = r.Up(ctx, "ns", target)
		} else {
			if target != nil && rng.Intn(4) == 0 {
				*target = 0
			}
			_, err = r.Down(ctx, "ns", target)
		}
		require.NoError(t, err, "step %d", i)

		got := recordedVersions(t, store, "ns")
		require.Equal(t, versions[:len(got)], got, "step %d", i)
		require.Len(t, db.collections(), len(got), "step %d", i)
	}
}

func TestRunnerDryRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	db := newFakeDB()
	r := newTestRunner(t, productFS(), store, db, lock.NewMemory(clock.New()))
	r.DryRun = true

	res, err := r.Up(ctx, "mongo-product", ptr(2))
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, []int64{1, 2}, res.Versions)
	assert.Equal(t, int64(2), res.To)
	assert.Empty(t, db.collections())
	assert.Empty(t, recordedVersions(t, store, "mongo-product"))
}

func TestRunnerChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	fsys := productFS()
	store := NewMemStore()
	r := newTestRunner(t, fsys, store, newFakeDB(), nil)
	_, err := r.Up(ctx, "mongo-product", ptr(2))
	require.NoError(t, err)

	fsys["mongo-product/000001_create_product_catalog.up.yaml"] = &fstest.MapFile{Data: []byte("- create: products\n")}
	_, err = r.Up(ctx, "mongo-product", nil)
	assert.True(t, errors.Is(err, ErrChecksumMismatch), "got %v", err)
	assert.Equal(t, []int64{1, 2}, recordedVersions(t, store, "mongo-product"))

	st, err := r.Status(ctx, "mongo-product")
	require.NoError(t, err)
	require.Len(t, st.Findings, 1)
	assert.Equal(t, CodeChecksumMismatch, st.Findings[0].Code)
}

func TestRunnerDownScriptEditIsDrift(t *testing.T) {
	ctx := context.Background()
	fsys := productFS()
	r := newTestRunner(t, fsys, NewMemStore(), newFakeDB(), nil)
	_, err := r.Up(ctx, "mongo-product", nil)
	require.NoError(t, err)

	fsys["mongo-product/000003_reviews.down.yaml"] = &fstest.MapFile{Data: []byte("- drop: product_reviews\n")}
	_, err = r.Down(ctx, "mongo-product", nil)
	assert.True(t, errors.Is(err, ErrChecksumMismatch), "got %v", err)
}

func TestRunnerRejectsVersionZero(t *testing.T) {
	ctx := context.Background()
	fsys := fstest.MapFS{
		"ns/000000_init.up.yaml": {Data: []byte("- create: zero\n")},
		"ns/000001_next.up.yaml": {Data: []byte("- create: one\n")},
	}
	store := NewMemStore()
	db := newFakeDB()
	r := newTestRunner(t, fsys, store, db, nil)

	_, err := r.Up(ctx, "ns", nil)
	assert.True(t, errors.Is(err, ErrMalformedUnit), "got %v", err)
	assert.Empty(t, db.collections())
	assert.Empty(t, recordedVersions(t, store, "ns"))
}

type recordingObserver struct {
	mu       sync.Mutex
	done     []string
	versions map[string]int64
}

func (o *recordingObserver) UnitDone(ns string, dir Direction, version int64, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = append(o.done, fmt.Sprintf("%s:%s:%d:%t", ns, dir, version, err == nil))
}

func (o *recordingObserver) VersionChanged(ns string, version int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.versions == nil {
		o.versions = map[string]int64{}
	}
	o.versions[ns] = version
}

func TestRunnerUpAllIsolatesNamespaces(t *testing.T) {
	ctx := context.Background()
	fsys := failingFS()
	fsys["mongo-user/000001_profiles.up.yaml"] = &fstest.MapFile{Data: []byte("- create: profiles\n")}
	fsys["mongo-analytics/000001_page_views.up.yaml"] = &fstest.MapFile{Data: []byte("- create: page_views\n")}

	store := NewMemStore()
	obs := &recordingObserver{}
	r := newTestRunner(t, fsys, store, newFakeDB(), lock.NewMemory(clock.New()))
	r.Parallelism = 2
	r.Observer = obs

	results, err := r.UpAll(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPartialApplication), "got %v", err)

	require.Len(t, results, 3)
	assert.Equal(t, "mongo-analytics", results[0].Namespace)
	assert.Equal(t, []int64{1}, results[0].Versions)
	assert.Equal(t, []int64{1}, results[1].Versions)
	assert.Equal(t, []int64{1}, results[2].Versions)

	assert.Equal(t, []int64{1}, recordedVersions(t, store, "mongo-user"))
	assert.Equal(t, []int64{1}, recordedVersions(t, store, "mongo-analytics"))
	assert.Contains(t, obs.done, "mongo-product:up:2:false")
	assert.Equal(t, int64(1), obs.versions["mongo-product"])

	statuses, err := r.StatusAll(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.Equal(t, StateFailed, statuses[1].State)
}
