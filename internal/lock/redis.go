package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if the caller still holds it.
var releaseScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = holder token
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on a shared Redis instance.
//
// Safety properties:
// - Atomic acquire via SET NX PX.
// - TTL prevents leaked locks on process crash.
// - Token-checked release via Lua.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "synclock"
	}
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l.rdb == nil {
		return "", false, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return "", false, ErrInvalidKey
	}
	if ttl <= 0 {
		return "", false, fmt.Errorf("ttl must be > 0")
	}

	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.prefix+":"+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if l.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return ErrInvalidKey
	}
	_, err := releaseScript.Run(ctx, l.rdb, []string{l.prefix + ":" + key}, token).Result()
	return err
}
