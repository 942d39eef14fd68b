package audit

import (
	"context"
	"testing"
	"time"
)

func TestAppend_FillsIDAndTimestamp(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo)
	fixed := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return fixed }

	if err := svc.LogTransition(context.Background(), "c-100", "fetched", "assigning"); err != nil {
		t.Fatalf("append: %v", err)
	}

	events := repo.All()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.ID == "" || !e.CreatedAt.Equal(fixed) {
		t.Fatalf("id/timestamp not filled: %+v", e)
	}
	if e.Type != EventTypeStateTransition || e.FromState != "fetched" || e.ToState != "assigning" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestAppend_RejectsMissingType(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	if err := svc.Append(context.Background(), Event{Message: "no type"}); err != ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestHistory_FiltersByCall(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	svc.LogTransition(ctx, "c-1", "fetched", "assigning")
	svc.LogFailure(ctx, "c-1", "reconciling", "crm unavailable")
	svc.LogTransition(ctx, "c-2", "fetched", "assigning")
	svc.LogDeadLetter(ctx, "c-1", "assigning", "extension unmapped")

	trail, err := svc.History(ctx, "c-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("expected 3 events for c-1, got %d", len(trail))
	}
	if trail[2].Type != EventTypeDeadLetter || trail[2].ToState != "dead_lettered" {
		t.Fatalf("unexpected last event: %+v", trail[2])
	}
}
