package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and early development.
// It mirrors the Postgres store's CAS semantics exactly.
type MemoryStore struct {
	mu sync.Mutex

	records    map[string]*CallRecord // keyed by provider_call_id
	extensions map[string]*Extension

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    map[string]*CallRecord{},
		extensions: map[string]*Extension{},
		clock:      time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (s *MemoryStore) SetClock(clock func() time.Time) { s.clock = clock }

func (s *MemoryStore) UpsertIfNew(_ context.Context, d Draft) (CallRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[d.ProviderCallID]; ok {
		return *existing, false, nil
	}

	now := s.clock().UTC()
	rec := &CallRecord{
		ID:             uuid.NewString(),
		ProviderCallID: d.ProviderCallID,
		ExtensionID:    d.ExtensionID,
		Direction:      d.Direction,
		CallType:       d.CallType,
		CallerNumber:   d.CallerNumber,
		CallerName:     d.CallerName,
		StartTime:      d.StartTime,
		EndTime:        d.EndTime,
		DurationSecs:   d.DurationSecs,
		RecordingID:    d.RecordingID,
		RecordingURL:   d.RecordingURL,
		State:          StateFetched,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.records[d.ProviderCallID] = rec
	return *rec, true, nil
}

func (s *MemoryStore) GetByProviderCallID(_ context.Context, providerCallID string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[providerCallID]; ok {
		return *rec, nil
	}
	return CallRecord{}, ErrNotFound
}

func (s *MemoryStore) ListUnprocessed(_ context.Context, callType CallType, limit int, now time.Time) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CallRecord, 0)
	for _, rec := range s.records {
		if Terminal(rec.State) {
			continue
		}
		if callType != "" && rec.CallType != callType {
			continue
		}
		if rec.NextAttemptAt != nil && rec.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListDeadLettered(_ context.Context, limit int) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CallRecord, 0)
	for _, rec := range s.records {
		if rec.State == StateDeadLettered {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateState(_ context.Context, id string, from, to CallState, upd StateUpdate) (CallRecord, error) {
	if !ValidTransition(from, to) {
		return CallRecord{}, ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *CallRecord
	for _, r := range s.records {
		if r.ID == id {
			rec = r
			break
		}
	}
	if rec == nil {
		return CallRecord{}, ErrNotFound
	}
	if rec.State != from {
		return CallRecord{}, ErrStaleState
	}

	applyUpdate(rec, to, upd, s.clock().UTC())
	return *rec, nil
}

func applyUpdate(rec *CallRecord, to CallState, upd StateUpdate, now time.Time) {
	rec.State = to
	rec.ResumeState = upd.ResumeState
	if upd.OwnerID != "" {
		rec.OwnerID = upd.OwnerID
	}
	if upd.LeadID != "" {
		rec.LeadID = upd.LeadID
	}
	if upd.LeadCreated {
		rec.LeadCreated = true
	}
	if upd.ClearLastError {
		rec.LastError = ""
	} else if upd.LastError != "" {
		rec.LastError = upd.LastError
	}
	rec.AttemptCount += upd.AttemptDelta
	rec.RecordingChecks += upd.RecordingCheckDelta
	if upd.ClearNextAttemptAt {
		rec.NextAttemptAt = nil
	} else if upd.NextAttemptAt != nil {
		rec.NextAttemptAt = upd.NextAttemptAt
	}
	if upd.ProcessedAt != nil {
		rec.ProcessedAt = upd.ProcessedAt
	}
	rec.UpdatedAt = now
}

func (s *MemoryStore) Stats(_ context.Context, from, to time.Time) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, rec := range s.records {
		if rec.StartTime.Before(from) || !rec.StartTime.Before(to) {
			continue
		}
		switch rec.CallType {
		case CallTypeAccepted:
			st.Accepted++
		case CallTypeMissed:
			st.Missed++
		}
		switch rec.State {
		case StateCompleted:
			st.Processed++
		case StateDeadLettered:
			st.DeadLettered++
		default:
			st.Unprocessed++
		}
		if rec.LeadCreated {
			st.LeadsCreated++
		}
		if rec.RecordingID != "" {
			st.WithRecordings++
		}
	}
	return st, nil
}

func (s *MemoryStore) UpsertExtension(_ context.Context, e Extension) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.UpdatedAt = s.clock().UTC()
	_, exists := s.extensions[e.ExtensionID]
	cp := e
	s.extensions[e.ExtensionID] = &cp
	return !exists, nil
}

func (s *MemoryStore) DisableExtensionsExcept(_ context.Context, keepIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]struct{}, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = struct{}{}
	}
	disabled := 0
	for id, ext := range s.extensions {
		if _, ok := keep[id]; !ok && ext.Enabled {
			ext.Enabled = false
			disabled++
		}
	}
	return disabled, nil
}

func (s *MemoryStore) ListEnabledExtensions(_ context.Context) ([]Extension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Extension, 0)
	for _, ext := range s.extensions {
		if ext.Enabled {
			out = append(out, *ext)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtensionID < out[j].ExtensionID })
	return out, nil
}
