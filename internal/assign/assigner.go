package assign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/lock"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/owners"
)

var (
	// ErrUnmappedExtension is a configuration gap: reported, never retried.
	ErrUnmappedExtension = errors.New("assign: extension has no configured owner")

	// ErrNoActiveOwners means assignment cannot proceed until owners exist.
	// Fatal for this call now, retryable once a resync brings owners back.
	ErrNoActiveOwners = errors.New("assign: no active lead owners")

	// ErrCursorBusy means the rotation cursor lock could not be acquired.
	ErrCursorBusy = errors.New("assign: assignment cursor busy")
)

// Assigner maps a telephony extension to the CRM owner of the next lead.
type Assigner interface {
	Assign(ctx context.Context, extensionID string) (ownerID string, err error)
}

// Fixed assigns from a static extension -> owner map.
type Fixed struct {
	mapping map[string]string
}

func NewFixed(mapping map[string]string) *Fixed {
	return &Fixed{mapping: mapping}
}

func (f *Fixed) Assign(_ context.Context, extensionID string) (string, error) {
	ownerID, ok := f.mapping[extensionID]
	if !ok || ownerID == "" {
		return "", fmt.Errorf("%w: %s", ErrUnmappedExtension, extensionID)
	}
	return ownerID, nil
}

const cursorLockKey = "assign:cursor"

// RoundRobin advances the persisted assignment cursor by one position and
// returns that owner, regardless of extension id.
//
// The advance is serialized two ways: a distributed lock around the
// read-modify-write, and a version CAS on the cursor row itself. Two calls
// processed simultaneously always receive two different owners in rotation
// order. The lock is released before the caller's (slower) CRM work begins.
type RoundRobin struct {
	store   owners.Store
	locks   lock.Locker
	lockTTL time.Duration

	// retry knobs for a briefly contended cursor
	attempts int
	sleep    func(time.Duration)
}

func NewRoundRobin(store owners.Store, locks lock.Locker, lockTTL time.Duration) *RoundRobin {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &RoundRobin{
		store:    store,
		locks:    locks,
		lockTTL:  lockTTL,
		attempts: 20,
		sleep:    func(d time.Duration) { time.Sleep(d) },
	}
}

func (r *RoundRobin) Assign(ctx context.Context, _ string) (string, error) {
	token, err := r.acquireCursor(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = r.locks.Release(ctx, cursorLockKey, token) }()

	state, err := r.store.GetAssignmentState(ctx)
	if err != nil {
		return "", err
	}

	active, err := r.store.ListActive(ctx)
	if err != nil {
		return "", err
	}
	if len(active) == 0 {
		return "", ErrNoActiveOwners
	}

	activeIDs := make([]string, len(active))
	for i, o := range active {
		activeIDs[i] = o.CRMUserID
	}

	// Rebuild the snapshot if the active set changed, keeping the position of
	// the last-assigned owner so rotation continues rather than resetting.
	if !sameOwners(state.OwnerIDs, activeIDs) {
		lastOwner := ""
		if state.LastIndex >= 0 && state.LastIndex < len(state.OwnerIDs) {
			lastOwner = state.OwnerIDs[state.LastIndex]
		}
		state.OwnerIDs = activeIDs
		state.LastIndex = indexOf(activeIDs, lastOwner) // -1 when gone
	}

	next := state
	next.LastIndex = (state.LastIndex + 1) % len(state.OwnerIDs)
	ownerID := next.OwnerIDs[next.LastIndex]

	if err := r.store.CompareAndSwapAssignmentState(ctx, state, next); err != nil {
		// Under the cursor lock a CAS conflict means an out-of-band writer;
		// surface it rather than guessing.
		return "", err
	}
	return ownerID, nil
}

func (r *RoundRobin) acquireCursor(ctx context.Context) (string, error) {
	for i := 0; i < r.attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		token, ok, err := r.locks.Acquire(ctx, cursorLockKey, r.lockTTL)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		r.sleep(25 * time.Millisecond)
	}
	return "", ErrCursorBusy
}

func sameOwners(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
