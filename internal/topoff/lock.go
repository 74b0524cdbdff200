package topoff

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long one replica may hold an organization's
// top-up lock.
const DefaultLockTTL = 30 * time.Second

// Locker serializes top-up evaluation for an organization across gateway
// replicas. singleflight only covers one process.
type Locker interface {
	// TryLock acquires key for ttl. ok is false when another holder has it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisLocker implements Locker with SET NX and a token-checked delete.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a locker over rdb.
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: "walletgate:topoff:"}
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (r *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	full := r.prefix + key
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Released on a fresh context; the caller's may already be done.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, r.rdb, []string{full}, token).Err()
	}
	return release, true, nil
}

// Ping checks the Redis connection.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
