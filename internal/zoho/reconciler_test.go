package zoho

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/calls"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/config"
)

type fakeCRM struct {
	leads   map[string]Lead // by id
	nextID  int
	notes   map[string][]string // lead id -> note contents
	updates map[string][]map[string]any

	searchErr error
	createErr error
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		leads:   map[string]Lead{},
		nextID:  1,
		notes:   map[string][]string{},
		updates: map[string][]map[string]any{},
	}
}

func (f *fakeCRM) SearchLeadsByPhone(_ context.Context, phone string) ([]Lead, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []Lead
	for _, l := range f.leads {
		if l.Phone == phone {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeCRM) CreateLead(_ context.Context, lead Lead) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	id := fmt.Sprintf("lead-%d", f.nextID)
	f.nextID++
	lead.ID = id
	f.leads[id] = lead
	return id, nil
}

func (f *fakeCRM) UpdateLead(_ context.Context, leadID string, fields map[string]any) error {
	l, ok := f.leads[leadID]
	if !ok {
		return ErrCrmRejected
	}
	if s, ok := fields["Lead_Status"].(string); ok {
		l.Status = s
	}
	if owner, ok := fields["Owner"].(map[string]string); ok {
		l.OwnerID = owner["id"]
	}
	f.leads[leadID] = l
	f.updates[leadID] = append(f.updates[leadID], fields)
	return nil
}

func (f *fakeCRM) AddNote(_ context.Context, leadID, _, content string) error {
	f.notes[leadID] = append(f.notes[leadID], content)
	return nil
}

type fakeMarker struct {
	marked []string
	err    error
}

func (m *fakeMarker) MarkPendingCreate(_ context.Context, callID string) error {
	if m.err != nil {
		return m.err
	}
	m.marked = append(m.marked, callID)
	return nil
}

func testCall() calls.CallRecord {
	return calls.CallRecord{
		ID:             "rec-1",
		ProviderCallID: "c-100",
		ExtensionID:    "101",
		CallType:       calls.CallTypeMissed,
		CallerNumber:   "(555) 123-4567",
		CallerName:     "Jane Smith",
		StartTime:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		DurationSecs:   0,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReconcile_CreatesLeadWhenNoMatch(t *testing.T) {
	crm := newFakeCRM()
	marker := &fakeMarker{}
	r := NewReconciler(crm, marker, config.ReassignFirstWins, testLogger())

	ref, err := r.Reconcile(context.Background(), testCall(), "owner-1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !ref.Created || ref.LeadID == "" {
		t.Fatalf("expected created lead, got %+v", ref)
	}

	lead := crm.leads[ref.LeadID]
	if lead.Phone != "+15551234567" {
		t.Fatalf("expected normalized phone, got %q", lead.Phone)
	}
	if lead.FirstName != "Jane" || lead.LastName != "Smith" {
		t.Fatalf("bad name split: %q %q", lead.FirstName, lead.LastName)
	}
	if lead.OwnerID != "owner-1" || lead.Status != StatusMissedCall {
		t.Fatalf("owner=%q status=%q", lead.OwnerID, lead.Status)
	}

	// The record was flagged before the create was sent.
	if len(marker.marked) != 1 || marker.marked[0] != "rec-1" {
		t.Fatalf("expected pending-create mark for rec-1, got %v", marker.marked)
	}
	if len(crm.notes[ref.LeadID]) != 1 || !strings.Contains(crm.notes[ref.LeadID][0], "c-100") {
		t.Fatalf("expected call note, got %v", crm.notes[ref.LeadID])
	}
}

func TestReconcile_UpdatesExistingLead_FirstWins(t *testing.T) {
	crm := newFakeCRM()
	crm.leads["lead-1"] = Lead{ID: "lead-1", Phone: "+15551234567", OwnerID: "owner-original"}
	r := NewReconciler(crm, &fakeMarker{}, config.ReassignFirstWins, testLogger())

	call := testCall()
	call.CallType = calls.CallTypeAccepted
	ref, err := r.Reconcile(context.Background(), call, "owner-new")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if ref.Created || ref.LeadID != "lead-1" {
		t.Fatalf("expected update of lead-1, got %+v", ref)
	}

	lead := crm.leads["lead-1"]
	if lead.OwnerID != "owner-original" {
		t.Fatalf("first_wins must keep the original owner, got %q", lead.OwnerID)
	}
	if lead.Status != StatusAcceptedCall {
		t.Fatalf("expected status update, got %q", lead.Status)
	}
	if len(crm.notes["lead-1"]) != 1 {
		t.Fatalf("expected one note, got %d", len(crm.notes["lead-1"]))
	}
}

func TestReconcile_UpdatesExistingLead_LatestWins(t *testing.T) {
	crm := newFakeCRM()
	crm.leads["lead-1"] = Lead{ID: "lead-1", Phone: "+15551234567", OwnerID: "owner-original"}
	r := NewReconciler(crm, &fakeMarker{}, config.ReassignLatestWins, testLogger())

	if _, err := r.Reconcile(context.Background(), testCall(), "owner-new"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := crm.leads["lead-1"].OwnerID; got != "owner-new" {
		t.Fatalf("latest_wins must reassign, got %q", got)
	}
}

func TestReconcile_AmbiguousMatch(t *testing.T) {
	crm := newFakeCRM()
	crm.leads["lead-1"] = Lead{ID: "lead-1", Phone: "+15551234567"}
	crm.leads["lead-2"] = Lead{ID: "lead-2", Phone: "+15551234567"}
	r := NewReconciler(crm, &fakeMarker{}, config.ReassignFirstWins, testLogger())

	_, err := r.Reconcile(context.Background(), testCall(), "owner-1")
	if !errors.Is(err, ErrAmbiguousMatch) {
		t.Fatalf("expected ErrAmbiguousMatch, got %v", err)
	}
}

func TestReconcile_RetryAfterLostCreateFindsLead(t *testing.T) {
	crm := newFakeCRM()
	marker := &fakeMarker{}
	r := NewReconciler(crm, marker, config.ReassignFirstWins, testLogger())

	// First attempt created the lead but the caller never saw the response.
	ref1, err := r.Reconcile(context.Background(), testCall(), "owner-1")
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	// Retry must find it by phone instead of creating a duplicate.
	ref2, err := r.Reconcile(context.Background(), testCall(), "owner-1")
	if err != nil {
		t.Fatalf("retry reconcile: %v", err)
	}
	if ref2.Created {
		t.Fatal("retry must not report a fresh create")
	}
	if ref2.LeadID != ref1.LeadID {
		t.Fatalf("retry found %q, want %q", ref2.LeadID, ref1.LeadID)
	}
	if len(crm.leads) != 1 {
		t.Fatalf("expected exactly one lead, got %d", len(crm.leads))
	}
}

func TestReconcile_UnusableCallerNumber(t *testing.T) {
	r := NewReconciler(newFakeCRM(), &fakeMarker{}, config.ReassignFirstWins, testLogger())

	call := testCall()
	call.CallerNumber = "911"
	_, err := r.Reconcile(context.Background(), call, "owner-1")
	if !errors.Is(err, ErrCrmRejected) {
		t.Fatalf("expected ErrCrmRejected, got %v", err)
	}
}

func TestSplitCallerName(t *testing.T) {
	cases := []struct {
		name, phone, first, last string
	}{
		{"Jane Smith", "+15551234567", "Jane", "Smith"},
		{"Mary Jane Watson", "+15551234567", "Mary Jane", "Watson"},
		{"Cher", "+15551234567", "", "Cher"},
		{"", "+15551234567", "", "+15551234567"},
	}
	for _, c := range cases {
		first, last := splitCallerName(c.name, c.phone)
		if first != c.first || last != c.last {
			t.Errorf("splitCallerName(%q) = %q/%q, want %q/%q", c.name, first, last, c.first, c.last)
		}
	}
}
