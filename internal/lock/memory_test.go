package lock

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLocker_MutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	tok, ok, err := l.Acquire(ctx, "call:c-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}

	if _, ok, _ := l.Acquire(ctx, "call:c-1", time.Minute); ok {
		t.Fatalf("second acquire should fail while held")
	}

	if err := l.Release(ctx, "call:c-1", tok); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := l.Acquire(ctx, "call:c-1", time.Minute); !ok {
		t.Fatalf("acquire after release should succeed")
	}
}

func TestMemoryLocker_StaleTokenDoesNotRelease(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	if _, ok, _ := l.Acquire(ctx, "k", time.Minute); !ok {
		t.Fatalf("acquire failed")
	}
	if err := l.Release(ctx, "k", "not-the-token"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := l.Acquire(ctx, "k", time.Minute); ok {
		t.Fatalf("lock should still be held after stale release")
	}
}

func TestMemoryLocker_ExpiredLockCanBeReacquired(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Unix(1700000000, 0)
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	if _, ok, _ := l.Acquire(ctx, "k", time.Second); !ok {
		t.Fatalf("acquire failed")
	}
	now = now.Add(2 * time.Second)
	if _, ok, _ := l.Acquire(ctx, "k", time.Second); !ok {
		t.Fatalf("expected reacquire after expiry")
	}
}
