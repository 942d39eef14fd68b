package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only; records double as the error history for
// dead-lettered calls.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByProviderCallID(ctx context.Context, providerCallID string) ([]Event, error)
}

var ErrInvalidEvent = errors.New("audit: invalid event")

// Service records the pipeline's processing trail.
//
// Callers treat audit logging as best-effort: an append failure never fails
// the call being processed.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogTransition records a state machine step for one call.
func (s *Service) LogTransition(ctx context.Context, providerCallID, from, to string) error {
	return s.Append(ctx, Event{
		ProviderCallID: providerCallID,
		Type:           EventTypeStateTransition,
		FromState:      from,
		ToState:        to,
	})
}

// LogFailure records a failed attempt and the error that caused it.
func (s *Service) LogFailure(ctx context.Context, providerCallID, atState, message string) error {
	return s.Append(ctx, Event{
		ProviderCallID: providerCallID,
		Type:           EventTypeFailure,
		FromState:      atState,
		Message:        message,
	})
}

// LogDeadLetter records a call leaving the pipeline for manual review.
func (s *Service) LogDeadLetter(ctx context.Context, providerCallID, from, message string) error {
	return s.Append(ctx, Event{
		ProviderCallID: providerCallID,
		Type:           EventTypeDeadLetter,
		FromState:      from,
		ToState:        "dead_lettered",
		Message:        message,
	})
}

// LogFetchPass records the outcome of one fetch window.
func (s *Service) LogFetchPass(ctx context.Context, message string) error {
	return s.Append(ctx, Event{Type: EventTypeFetchPass, Message: message})
}

// LogResync records an extension or owner resync outcome.
func (s *Service) LogResync(ctx context.Context, message string) error {
	return s.Append(ctx, Event{Type: EventTypeResync, Message: message})
}

// History returns the trail for one call, oldest first.
func (s *Service) History(ctx context.Context, providerCallID string) ([]Event, error) {
	return s.repo.ListByProviderCallID(ctx, providerCallID)
}
