package owners

import (
	"context"
	"errors"
)

var (
	ErrNotFound     = errors.New("owners: not found")
	ErrStaleVersion = errors.New("owners: assignment state changed concurrently")
)

// Store persists lead owners and the round-robin assignment cursor.
type Store interface {
	UpsertOwner(ctx context.Context, o LeadOwner) (created bool, err error)
	DeactivateOwnersExcept(ctx context.Context, keepIDs []string) (deactivated int, err error)
	ListActive(ctx context.Context) ([]LeadOwner, error)

	// GetAssignmentState returns the cursor, creating an empty row on first use.
	GetAssignmentState(ctx context.Context) (AssignmentState, error)

	// CompareAndSwapAssignmentState writes next only if the stored version
	// still equals prev.Version; otherwise ErrStaleVersion.
	CompareAndSwapAssignmentState(ctx context.Context, prev, next AssignmentState) error
}
