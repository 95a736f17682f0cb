package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned by TryAcquire when another owner holds the key.
var ErrHeld = errors.New("lock is held by another owner")

// Locker hands out leases on keys. TryAcquire never waits for a held key.
// ttl bounds how long a lease survives an owner that died without
// releasing it; backends bound to a connection may ignore it.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	Key       string
	Owner     string
	ExpiresAt time.Time

	once    sync.Once
	release func(ctx context.Context) error
}

func newLease(key, owner string, expires time.Time, release func(ctx context.Context) error) *Lease {
	return &Lease{Key: key, Owner: owner, ExpiresAt: expires, release: release}
}

func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		if l.release != nil {
			err = l.release(ctx)
		}
	})
	return err
}

// KeyFor names the lease guarding one namespace of one state table or
// collection.
func KeyFor(table, namespace string) string {
	return fmt.Sprintf("mongomigratex:%s:%s", table, namespace)
}

// Owner identifies this process as "<host>:<pid>:<uuid>".
func Owner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

func heldError(key, owner string) error {
	if owner == "" {
		return fmt.Errorf("%w: %s", ErrHeld, key)
	}
	return fmt.Errorf("%w: %s (owner %s)", ErrHeld, key, owner)
}
