package owners

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu sync.Mutex

	owners map[string]*LeadOwner
	cursor AssignmentState

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners: map[string]*LeadOwner{},
		cursor: AssignmentState{LastIndex: -1},
		clock:  time.Now,
	}
}

func (s *MemoryStore) UpsertOwner(_ context.Context, o LeadOwner) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o.UpdatedAt = s.clock().UTC()
	_, exists := s.owners[o.CRMUserID]
	cp := o
	s.owners[o.CRMUserID] = &cp
	return !exists, nil
}

func (s *MemoryStore) DeactivateOwnersExcept(_ context.Context, keepIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]struct{}, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = struct{}{}
	}
	n := 0
	for id, o := range s.owners {
		if _, ok := keep[id]; !ok && o.Active {
			o.Active = false
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]LeadOwner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LeadOwner, 0)
	for _, o := range s.owners {
		if o.Active {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CRMUserID < out[j].CRMUserID })
	return out, nil
}

func (s *MemoryStore) GetAssignmentState(_ context.Context) (AssignmentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.cursor
	cp.OwnerIDs = append([]string(nil), s.cursor.OwnerIDs...)
	return cp, nil
}

func (s *MemoryStore) CompareAndSwapAssignmentState(_ context.Context, prev, next AssignmentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor.Version != prev.Version {
		return ErrStaleVersion
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = s.clock().UTC()
	next.OwnerIDs = append([]string(nil), next.OwnerIDs...)
	s.cursor = next
	return nil
}
