package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries the owner
// token, so an expired lease never removes its successor.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis leases keys with SET NX PX.
type Redis struct {
	Client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{Client: client}
}

func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	owner := Owner()
	ok, err := r.Client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		cur, err := r.Client.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read lease %s: %w", key, err)
		}
		return nil, heldError(key, cur)
	}
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	return newLease(key, owner, expires, r.buildRelease(key, owner)), nil
}

func (r *Redis) buildRelease(key, owner string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, r.Client, []string{key}, owner).Err()
	}
}
