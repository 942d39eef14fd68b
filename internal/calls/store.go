package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("calls: record not found")
	ErrStaleState        = errors.New("calls: stale state, record changed concurrently")
	ErrInvalidTransition = errors.New("calls: invalid state transition")
)

// StateUpdate carries the field changes applied together with a state
// transition. Zero values leave the corresponding column untouched.
type StateUpdate struct {
	OwnerID     string
	LeadID      string
	LeadCreated bool

	ResumeState CallState

	LastError      string
	ClearLastError bool

	AttemptDelta        int
	RecordingCheckDelta int

	NextAttemptAt      *time.Time
	ClearNextAttemptAt bool

	ProcessedAt *time.Time
}

// Store is the deduplicating persistence layer for call records and
// extensions. It is the system's sole duplicate-suppression mechanism:
// overlapping fetch windows funnel through UpsertIfNew.
type Store interface {
	// UpsertIfNew inserts a draft keyed by provider_call_id. If a record
	// already exists it is returned unchanged with isNew=false.
	UpsertIfNew(ctx context.Context, d Draft) (rec CallRecord, isNew bool, err error)

	GetByProviderCallID(ctx context.Context, providerCallID string) (CallRecord, error)

	// ListUnprocessed returns non-terminal records whose backoff deadline has
	// elapsed, oldest start time first so backlogs drain in order. An empty
	// callType matches all.
	ListUnprocessed(ctx context.Context, callType CallType, limit int, now time.Time) ([]CallRecord, error)

	ListDeadLettered(ctx context.Context, limit int) ([]CallRecord, error)

	// UpdateState performs a compare-and-set transition: the write succeeds
	// only if the record is currently in `from`. A stale writer gets
	// ErrStaleState and must skip the record.
	UpdateState(ctx context.Context, id string, from, to CallState, upd StateUpdate) (CallRecord, error)

	Stats(ctx context.Context, from, to time.Time) (Stats, error)

	UpsertExtension(ctx context.Context, e Extension) (created bool, err error)
	DisableExtensionsExcept(ctx context.Context, keepIDs []string) (disabled int, err error)
	ListEnabledExtensions(ctx context.Context) ([]Extension, error)
}
