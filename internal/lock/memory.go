package lock

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Memory is a process-local Locker. Expired leases are taken over.
type Memory struct {
	Clock clock.Clock

	mu     sync.Mutex
	leases map[string]memoryEntry
}

type memoryEntry struct {
	owner   string
	expires time.Time
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{Clock: clk, leases: map[string]memoryEntry{}}
}

func (m *Memory) TryAcquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Clock.Now()
	if e, ok := m.leases[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, heldError(key, e.owner)
	}
	owner := Owner()
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	m.leases[key] = memoryEntry{owner: owner, expires: expires}
	return newLease(key, owner, expires, func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.leases[key]; ok && e.owner == owner {
			delete(m.leases, key)
		}
		return nil
	}), nil
}
