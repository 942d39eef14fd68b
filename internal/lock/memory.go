package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is a single-process Locker for tests and local runs.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]heldLock
	clock func() time.Time
}

type heldLock struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]heldLock{}, clock: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, ErrInvalidKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[key]; ok && h.expires.After(now) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = heldLock{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	if key == "" {
		return ErrInvalidKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[key]; ok && h.token == token {
		delete(l.held, key)
	}
	return nil
}
