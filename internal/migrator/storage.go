package migrator

import (
	"context"
	"sort"
	"sync"
)

// Store persists records per namespace. Implementations must be safe for
// concurrent use across namespaces.
type Store interface {
	// Applied returns every record of ns, whatever its status, ordered by
	// version ascending.
	Applied(ctx context.Context, ns string) ([]Record, error)
	// Record inserts r unless (r.Namespace, r.Version) already exists, in
	// which case it returns ErrRecordExists.
	Record(ctx context.Context, r Record) error
	// Update replaces an existing record. ErrRecordNotFound if absent.
	Update(ctx context.Context, r Record) error
	Remove(ctx context.Context, ns string, version int64) error
}

// Transactor is implemented by stores that can run the operations of a unit
// and its record in one multi-document transaction. fn receives the
// transaction context and must pass it to every call that should join it.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// MemStore keeps records in memory. The zero value is ready to use.
type MemStore struct {
	mu   sync.Mutex
	recs map[string]map[int64]Record
}

func NewMemStore() *MemStore {
	return &MemStore{recs: map[string]map[int64]Record{}}
}

func (s *MemStore) Applied(_ context.Context, ns string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.recs[ns]))
	for _, r := range s.recs[ns] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemStore) Record(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recs == nil {
		s.recs = map[string]map[int64]Record{}
	}
	ns := s.recs[r.Namespace]
	if ns == nil {
		ns = map[int64]Record{}
		s.recs[r.Namespace] = ns
	}
	if _, ok := ns[r.Version]; ok {
		return ErrRecordExists
	}
	ns[r.Version] = r
	return nil
}

func (s *MemStore) Update(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[r.Namespace][r.Version]; !ok {
		return ErrRecordNotFound
	}
	s.recs[r.Namespace][r.Version] = r
	return nil
}

func (s *MemStore) Remove(_ context.Context, ns string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs[ns], version)
	return nil
}
