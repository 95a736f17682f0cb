package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MySQL advisory lock using GET_LOCK/RELEASE_LOCK on a dedicated connection.
// GET_LOCK is called with a zero timeout so a held key fails immediately.
// The lock lives as long as the connection, so ttl is ignored: a crashed
// owner releases it when its session ends.
type MySQL struct {
	DB *sql.DB
}

func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{DB: db}
}

func (m *MySQL) TryAcquire(ctx context.Context, key string, _ time.Duration) (*Lease, error) {
	conn, err := m.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock connection for %s: %w", key, err)
	}
	// GET_LOCK(name, timeout_seconds)
	row := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", key)
	var got sql.NullInt64
	if err := row.Scan(&got); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !got.Valid || got.Int64 != 1 {
		_ = conn.Close()
		return nil, heldError(key, "")
	}
	return newLease(key, Owner(), time.Time{}, func(ctx context.Context) error {
		var rel sql.NullInt64
		_ = conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", key).Scan(&rel) // do not fail on release
		return conn.Close()
	}), nil
}
