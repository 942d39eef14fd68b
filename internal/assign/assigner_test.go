package assign

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/lock"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/owners"
)

func TestFixed_Assign(t *testing.T) {
	a := NewFixed(map[string]string{"101": "crm-1", "102": "crm-2"})

	got, err := a.Assign(context.Background(), "101")
	if err != nil || got != "crm-1" {
		t.Fatalf("expected crm-1, got %q err=%v", got, err)
	}

	if _, err := a.Assign(context.Background(), "999"); !errors.Is(err, ErrUnmappedExtension) {
		t.Fatalf("expected ErrUnmappedExtension, got %v", err)
	}
}

func newRoundRobinStore(t *testing.T, ids ...string) *owners.MemoryStore {
	t.Helper()
	s := owners.NewMemoryStore()
	for _, id := range ids {
		if _, err := s.UpsertOwner(context.Background(), owners.LeadOwner{CRMUserID: id, Name: id, Active: true}); err != nil {
			t.Fatalf("seed owner %s: %v", id, err)
		}
	}
	return s
}

func TestRoundRobin_FairRotation(t *testing.T) {
	ctx := context.Background()
	store := newRoundRobinStore(t, "o1", "o2", "o3")
	rr := NewRoundRobin(store, lock.NewMemoryLocker(), 0)

	// 4 full cycles over 3 owners.
	counts := map[string]int{}
	var order []string
	for i := 0; i < 12; i++ {
		id, err := rr.Assign(ctx, "any-ext")
		if err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
		counts[id]++
		order = append(order, id)
	}

	for _, id := range []string{"o1", "o2", "o3"} {
		if counts[id] != 4 {
			t.Fatalf("owner %s assigned %d times, want 4 (%v)", id, counts[id], counts)
		}
	}
	// Rotation order is stable, starting from the first owner.
	for i, id := range order {
		want := []string{"o1", "o2", "o3"}[i%3]
		if id != want {
			t.Fatalf("assignment %d: got %s, want %s", i, id, want)
		}
	}
}

func TestRoundRobin_ConcurrentAssignsAreDistinct(t *testing.T) {
	ctx := context.Background()
	store := newRoundRobinStore(t, "o1", "o2", "o3", "o4")
	rr := NewRoundRobin(store, lock.NewMemoryLocker(), 0)

	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := rr.Assign(ctx, "ext")
			if err != nil {
				t.Errorf("assign: %v", err)
				return
			}
			mu.Lock()
			counts[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	// 8 calls over 4 owners: exactly two each, never a double-grant.
	for id, n := range counts {
		if n != 2 {
			t.Fatalf("owner %s assigned %d times, want 2 (%v)", id, n, counts)
		}
	}
}

func TestRoundRobin_OwnerSetChangeKeepsPosition(t *testing.T) {
	ctx := context.Background()
	store := newRoundRobinStore(t, "o1", "o2", "o3")
	rr := NewRoundRobin(store, lock.NewMemoryLocker(), 0)

	// Advance to o2.
	for _, want := range []string{"o1", "o2"} {
		got, err := rr.Assign(ctx, "ext")
		if err != nil || got != want {
			t.Fatalf("got %q err=%v, want %q", got, err, want)
		}
	}

	// A new owner joins; rotation continues after o2 rather than resetting.
	if _, err := store.UpsertOwner(ctx, owners.LeadOwner{CRMUserID: "o4", Name: "o4", Active: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := rr.Assign(ctx, "ext")
	if err != nil || got != "o3" {
		t.Fatalf("after join: got %q err=%v, want o3", got, err)
	}

	// The last-assigned owner leaves; the cursor restarts from the head.
	if _, err := store.DeactivateOwnersExcept(ctx, []string{"o1", "o2", "o4"}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, err = rr.Assign(ctx, "ext")
	if err != nil || got != "o1" {
		t.Fatalf("after leave: got %q err=%v, want o1", got, err)
	}
}

func TestRoundRobin_NoActiveOwners(t *testing.T) {
	store := owners.NewMemoryStore()
	rr := NewRoundRobin(store, lock.NewMemoryLocker(), 0)

	if _, err := rr.Assign(context.Background(), "ext"); !errors.Is(err, ErrNoActiveOwners) {
		t.Fatalf("expected ErrNoActiveOwners, got %v", err)
	}
}
