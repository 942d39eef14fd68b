package lock

import (
	"context"
	"errors"
	"time"
)

// Locker is a best-effort mutual exclusion primitive keyed by string.
//
// Acquire returns ok=false (no error) when the key is already held.
// Release is a no-op when the token does not match the current holder,
// so an expired-and-reacquired lock is never released by a stale owner.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

var ErrInvalidKey = errors.New("lock: key is required")
