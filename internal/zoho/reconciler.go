package zoho

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/calls"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/config"
)

// ErrAmbiguousMatch means more than one CRM lead carries the caller's number.
// Picking one silently risks writing to the wrong customer, so the record is
// surfaced for manual review instead.
var ErrAmbiguousMatch = errors.New("zoho: multiple leads match phone")

// Lead statuses written by the pipeline.
const (
	StatusMissedCall   = "Missed Call"
	StatusAcceptedCall = "Accepted Call"
)

// CRM is the surface of the Zoho client the reconciler needs.
type CRM interface {
	SearchLeadsByPhone(ctx context.Context, phone string) ([]Lead, error)
	CreateLead(ctx context.Context, lead Lead) (string, error)
	UpdateLead(ctx context.Context, leadID string, fields map[string]any) error
	AddNote(ctx context.Context, leadID, title, content string) error
}

// Marker durably flags a call record before its lead create is sent, so a
// lost create response is re-queried instead of re-created on retry.
type Marker interface {
	MarkPendingCreate(ctx context.Context, callID string) error
}

// LeadRef is the outcome of a reconciliation.
type LeadRef struct {
	LeadID  string
	Created bool
}

// Reconciler upserts CRM leads from call records, keyed by normalized phone.
type Reconciler struct {
	crm      CRM
	marker   Marker
	reassign string // config.ReassignFirstWins or config.ReassignLatestWins
	log      *slog.Logger
}

func NewReconciler(crm CRM, marker Marker, reassignPolicy string, log *slog.Logger) *Reconciler {
	if reassignPolicy == "" {
		reassignPolicy = config.ReassignFirstWins
	}
	return &Reconciler{crm: crm, marker: marker, reassign: reassignPolicy, log: log}
}

// Reconcile finds or creates the lead for a call's caller.
//
// The CRM is always searched first, which also makes the call idempotent: a
// retry after a lost create response (record in the pending-create state)
// finds the lead it already made. Zero matches create a lead owned by
// ownerID; one match updates it per the reassignment policy; more than one
// is ErrAmbiguousMatch. Both paths append a call note.
func (r *Reconciler) Reconcile(ctx context.Context, call calls.CallRecord, ownerID string) (LeadRef, error) {
	phone := NormalizePhone(call.CallerNumber)
	if phone == "" {
		return LeadRef{}, fmt.Errorf("%w: unusable caller number %q", ErrCrmRejected, call.CallerNumber)
	}

	matches, err := r.crm.SearchLeadsByPhone(ctx, phone)
	if err != nil {
		return LeadRef{}, err
	}

	switch len(matches) {
	case 0:
		return r.create(ctx, call, ownerID, phone)
	case 1:
		return r.update(ctx, call, matches[0], ownerID)
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return LeadRef{}, fmt.Errorf("%w: %s matches leads %s", ErrAmbiguousMatch, phone, strings.Join(ids, ", "))
	}
}

func (r *Reconciler) create(ctx context.Context, call calls.CallRecord, ownerID, phone string) (LeadRef, error) {
	if err := r.marker.MarkPendingCreate(ctx, call.ID); err != nil {
		return LeadRef{}, fmt.Errorf("zoho: mark pending create: %w", err)
	}

	first, last := splitCallerName(call.CallerName, phone)
	leadID, err := r.crm.CreateLead(ctx, Lead{
		FirstName: first,
		LastName:  last,
		Phone:     phone,
		OwnerID:   ownerID,
		Status:    statusFor(call.CallType),
	})
	if err != nil {
		return LeadRef{}, err
	}

	if err := r.crm.AddNote(ctx, leadID, noteTitle(call), noteContent(call)); err != nil {
		// The lead exists; a failed note retries through the same search-first
		// path without creating a duplicate.
		return LeadRef{LeadID: leadID, Created: true}, err
	}
	r.log.Info("lead created",
		slog.String("lead_id", leadID), slog.String("phone", phone),
		slog.String("owner_id", ownerID), slog.String("call_type", string(call.CallType)))
	return LeadRef{LeadID: leadID, Created: true}, nil
}

func (r *Reconciler) update(ctx context.Context, call calls.CallRecord, lead Lead, ownerID string) (LeadRef, error) {
	fields := map[string]any{"Lead_Status": statusFor(call.CallType)}
	if r.reassign == config.ReassignLatestWins && lead.OwnerID != ownerID {
		fields["Owner"] = map[string]string{"id": ownerID}
	}
	if err := r.crm.UpdateLead(ctx, lead.ID, fields); err != nil {
		return LeadRef{}, err
	}
	if err := r.crm.AddNote(ctx, lead.ID, noteTitle(call), noteContent(call)); err != nil {
		return LeadRef{LeadID: lead.ID}, err
	}
	return LeadRef{LeadID: lead.ID}, nil
}

func statusFor(t calls.CallType) string {
	if t == calls.CallTypeAccepted {
		return StatusAcceptedCall
	}
	return StatusMissedCall
}

// splitCallerName derives CRM first/last name from caller id. The CRM
// requires a last name, so anonymous callers fall back to the phone number.
func splitCallerName(name, phone string) (first, last string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", phone
	}
	parts := strings.Fields(name)
	if len(parts) == 1 {
		return "", parts[0]
	}
	return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
}

func noteTitle(call calls.CallRecord) string {
	return fmt.Sprintf("%s call on %s", call.CallType, call.StartTime.UTC().Format("2006-01-02 15:04:05 MST"))
}

func noteContent(call calls.CallRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Call type: %s\n", call.CallType)
	fmt.Fprintf(&b, "Caller: %s", call.CallerNumber)
	if call.CallerName != "" {
		fmt.Fprintf(&b, " (%s)", call.CallerName)
	}
	fmt.Fprintf(&b, "\nStart: %s\n", call.StartTime.UTC().Format(time.RFC3339))
	if call.DurationSecs > 0 {
		fmt.Fprintf(&b, "Duration: %ds\n", call.DurationSecs)
	}
	fmt.Fprintf(&b, "Extension: %s\nProvider call id: %s", call.ExtensionID, call.ProviderCallID)
	return b.String()
}
