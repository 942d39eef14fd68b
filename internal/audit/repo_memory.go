package audit

import (
	"context"
	"sync"
)

// MemoryRepository is an in-memory append-only store for tests.
type MemoryRepository struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepository) ListByProviderCallID(_ context.Context, providerCallID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if e.ProviderCallID == providerCallID {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns every event in append order. Test helper.
func (r *MemoryRepository) All() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
