package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/assign"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/audit"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/calls"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/config"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/lock"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/owners"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/recording"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/ringcentral"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/zoho"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeFetcher struct {
	drafts []calls.Draft
	err    error
}

func (f *fakeFetcher) FetchWindow(_ context.Context, _ []string, _, _ time.Time) ([]calls.Draft, error) {
	return f.drafts, f.err
}

// fakeCRM satisfies zoho.CRM and the attacher's Target.
type fakeCRM struct {
	mu      sync.Mutex
	leads   map[string]zoho.Lead
	nextID  int
	creates int
	notes   int
	files   map[string][]byte

	searchErr error // returned until cleared
}

func newCRM() *fakeCRM {
	return &fakeCRM{leads: map[string]zoho.Lead{}, nextID: 1, files: map[string][]byte{}}
}

func (f *fakeCRM) SearchLeadsByPhone(_ context.Context, phone string) ([]zoho.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []zoho.Lead
	for _, l := range f.leads {
		if l.Phone == phone {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeCRM) CreateLead(_ context.Context, lead zoho.Lead) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("lead-%d", f.nextID)
	f.nextID++
	f.creates++
	lead.ID = id
	f.leads[id] = lead
	return id, nil
}

func (f *fakeCRM) UpdateLead(_ context.Context, leadID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leads[leadID]
	if !ok {
		return zoho.ErrCrmRejected
	}
	if s, ok := fields["Lead_Status"].(string); ok {
		l.Status = s
	}
	f.leads[leadID] = l
	return nil
}

func (f *fakeCRM) AddNote(_ context.Context, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes++
	return nil
}

func (f *fakeCRM) AttachFile(_ context.Context, _, filename string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[filename] = content
	return nil
}

func (f *fakeCRM) setSearchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchErr = err
}

type fakeRecordingSource struct {
	mu   sync.Mutex
	data []byte
	err  error
}

func (f *fakeRecordingSource) RecordingContent(_ context.Context, _ string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, "audio/mpeg", nil
}

func (f *fakeRecordingSource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fixture struct {
	clock     *fakeClock
	store     *calls.MemoryStore
	owners    *owners.MemoryStore
	crm       *fakeCRM
	source    *fakeRecordingSource
	auditRepo *audit.MemoryRepository
	fetcher   *fakeFetcher
	orch      *Orchestrator
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		MaxAttempts:         5,
		RetryBackoffBase:    time.Minute,
		RecordingRetryDelay: 10 * time.Minute,
		MaxRecordingChecks:  6,
		Workers:             2,
		LockTTL:             time.Minute,
	}
}

// newFixture wires a full in-memory pipeline with real assigner, reconciler
// and attacher over fakes for the provider and CRM edges.
func newFixture(t *testing.T, assigner assign.Assigner, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clock:     newFakeClock(),
		store:     calls.NewMemoryStore(),
		owners:    owners.NewMemoryStore(),
		crm:       newCRM(),
		source:    &fakeRecordingSource{data: []byte("mp3")},
		auditRepo: audit.NewMemoryRepository(),
		fetcher:   &fakeFetcher{},
	}
	f.store.SetClock(f.clock.Now)

	log := discard()
	if assigner == nil {
		assigner = assign.NewRoundRobin(f.owners, lock.NewMemoryLocker(), time.Minute)
	}
	reconciler := zoho.NewReconciler(f.crm, PendingMarker{Store: f.store}, config.ReassignFirstWins, log)
	attacher := recording.NewAttacher(f.source, f.crm, config.RecordingAttachUpload,
		func(err error) bool { return errors.Is(err, ringcentral.ErrNotReady) }, log)

	f.orch = NewOrchestrator(f.store, f.fetcher, assigner, reconciler, attacher,
		lock.NewMemoryLocker(), audit.NewService(f.auditRepo), cfg, log)
	f.orch.clock = f.clock.Now
	return f
}

func (f *fixture) seedOwners(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := f.owners.UpsertOwner(context.Background(), owners.LeadOwner{CRMUserID: id, Name: id, Active: true}); err != nil {
			t.Fatalf("seed owner: %v", err)
		}
	}
}

func (f *fixture) seedExtension(t *testing.T, id string) {
	t.Helper()
	if _, err := f.store.UpsertExtension(context.Background(), calls.Extension{ExtensionID: id, Name: "ext " + id, Enabled: true}); err != nil {
		t.Fatalf("seed extension: %v", err)
	}
}

func missedDraft(id, phone string) calls.Draft {
	return calls.Draft{
		ProviderCallID: id,
		ExtensionID:    "101",
		Direction:      "Inbound",
		CallType:       calls.CallTypeMissed,
		CallerNumber:   phone,
		StartTime:      time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC),
	}
}

func acceptedDraftWithRecording(id, phone string) calls.Draft {
	d := missedDraft(id, phone)
	d.CallType = calls.CallTypeAccepted
	d.RecordingID = "media-1"
	d.RecordingURL = "https://provider.example/media-1"
	d.DurationSecs = 60
	return d
}

func TestFetchPass_OverlappingWindowsDedupe(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	f.seedExtension(t, "101")
	f.fetcher.drafts = []calls.Draft{missedDraft("c-100", "+15551234567")}
	ctx := context.Background()

	from := f.clock.Now().Add(-time.Hour)
	res1, err := f.orch.FetchPass(ctx, from, f.clock.Now())
	if err != nil {
		t.Fatalf("pass 1: %v", err)
	}
	if res1.New != 1 || res1.Duplicates != 0 {
		t.Fatalf("pass 1: %+v", res1)
	}

	// A second pass over an overlapping window returns the same provider call.
	res2, err := f.orch.FetchPass(ctx, from.Add(-30*time.Minute), f.clock.Now())
	if err != nil {
		t.Fatalf("pass 2: %v", err)
	}
	if res2.New != 0 || res2.Duplicates != 1 {
		t.Fatalf("pass 2: %+v", res2)
	}

	if _, err := f.store.GetByProviderCallID(ctx, "c-100"); err != nil {
		t.Fatalf("record missing: %v", err)
	}
}

func TestFetchPass_PartialFailureReportsResumeBoundary(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	f.seedExtension(t, "101")
	f.fetcher.drafts = []calls.Draft{missedDraft("c-1", "+15551234567")}
	f.fetcher.err = &ringcentral.WindowError{
		ExtensionID: "102",
		Page:        3,
		Err:         ringcentral.ErrUnavailable,
	}
	ctx := context.Background()

	res, err := f.orch.FetchPass(ctx, f.clock.Now().Add(-time.Hour), f.clock.Now())
	if err == nil {
		t.Fatalf("expected partial failure")
	}
	// Drafts gathered before the failure are still admitted.
	if res.New != 1 {
		t.Fatalf("partial drafts not admitted: %+v", res)
	}
	if res.ResumeExtension != "102" || res.ResumePage != 3 {
		t.Fatalf("resume boundary not surfaced: %+v", res)
	}

	var got string
	for _, e := range f.auditRepo.All() {
		if e.Type == audit.EventTypeFetchPass {
			got = e.Message
		}
	}
	if !strings.Contains(got, "resume extension 102 page 3") {
		t.Fatalf("audit message missing boundary: %q", got)
	}
}

func TestProcessPass_MissedCallCreatesLeadAndCompletes(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	f.seedOwners(t, "owner-1", "owner-2")
	ctx := context.Background()

	if _, _, err := f.store.UpsertIfNew(ctx, missedDraft("c-1", "+15551234567")); err != nil {
		t.Fatalf("admit: %v", err)
	}

	res, err := f.orch.ProcessPass(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Completed != 1 {
		t.Fatalf("expected 1 completed, got %+v", res)
	}

	rec, _ := f.store.GetByProviderCallID(ctx, "c-1")
	if rec.State != calls.StateCompleted || !rec.LeadCreated || rec.LeadID == "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.OwnerID != "owner-1" {
		t.Fatalf("expected first rotation slot, got %q", rec.OwnerID)
	}
	if rec.ProcessedAt == nil {
		t.Fatal("processed_at not set")
	}
	if f.crm.creates != 1 {
		t.Fatalf("expected 1 lead create, got %d", f.crm.creates)
	}
	lead := f.crm.leads[rec.LeadID]
	if lead.Phone != "+15551234567" || lead.OwnerID != "owner-1" || lead.Status != zoho.StatusMissedCall {
		t.Fatalf("unexpected lead: %+v", lead)
	}

	// A second call from the same number updates, never creates.
	if _, _, err := f.store.UpsertIfNew(ctx, missedDraft("c-2", "(555) 123-4567")); err != nil {
		t.Fatalf("admit c-2: %v", err)
	}
	if _, err := f.orch.ProcessPass(ctx); err != nil {
		t.Fatalf("process 2: %v", err)
	}
	rec2, _ := f.store.GetByProviderCallID(ctx, "c-2")
	if rec2.State != calls.StateCompleted || rec2.LeadCreated || rec2.LeadID != rec.LeadID {
		t.Fatalf("expected update of existing lead, got %+v", rec2)
	}
	if f.crm.creates != 1 || len(f.crm.leads) != 1 {
		t.Fatalf("duplicate lead created: creates=%d leads=%d", f.crm.creates, len(f.crm.leads))
	}
}

func TestProcessPass_AttachesRecording(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	f.seedOwners(t, "owner-1")
	ctx := context.Background()

	f.store.UpsertIfNew(ctx, acceptedDraftWithRecording("c-1", "+15551234567"))
	res, err := f.orch.ProcessPass(ctx)
	if err != nil || res.Completed != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if len(f.crm.files) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(f.crm.files))
	}
	for name := range f.crm.files {
		want := "20260310_083000_recording_media-1.mp3"
		if name != want {
			t.Fatalf("filename %q, want %q", name, want)
		}
	}
}

func TestProcessPass_ResumesAfterTransientAttachFailure(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	f.seedOwners(t, "owner-1")
	ctx := context.Background()

	f.store.UpsertIfNew(ctx, acceptedDraftWithRecording("c-1", "+15551234567"))
	f.source.setErr(ringcentral.ErrUnavailable)

	// Reconcile succeeds, attach fails transiently: the record must remember
	// it only needs the attach step.
	res, err := f.orch.ProcessPass(ctx)
	if err != nil || res.Failed != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	rec, _ := f.store.GetByProviderCallID(ctx, "c-1")
	if rec.State != calls.StateFailed || rec.ResumeState != calls.StateAttaching {
		t.Fatalf("unexpected record: state=%s resume=%s", rec.State, rec.ResumeState)
	}
	if f.crm.creates != 1 {
		t.Fatalf("expected lead created before failure, got %d", f.crm.creates)
	}

	// Backoff holds the record until its deadline.
	if res, _ := f.orch.ProcessPass(ctx); res.Picked != 0 {
		t.Fatalf("picked during backoff: %+v", res)
	}

	f.source.setErr(nil)
	f.clock.Advance(2 * time.Minute)
	res, err = f.orch.ProcessPass(ctx)
	if err != nil || res.Completed != 1 {
		t.Fatalf("resume: res=%+v err=%v", res, err)
	}

	// The resume ran attach only: no second create, exactly one lead.
	if f.crm.creates != 1 || len(f.crm.files) != 1 {
		t.Fatalf("creates=%d files=%d", f.crm.creates, len(f.crm.files))
	}
}

func TestProcessPass_ConfigErrorDeadLettersFirstAttempt(t *testing.T) {
	f := newFixture(t, assign.NewFixed(map[string]string{"202": "owner-9"}), testConfig())
	ctx := context.Background()

	f.store.UpsertIfNew(ctx, missedDraft("c-1", "+15551234567")) // extension 101 unmapped
	res, err := f.orch.ProcessPass(ctx)
	if err != nil || res.DeadLettered != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}

	rec, _ := f.store.GetByProviderCallID(ctx, "c-1")
	if rec.State != calls.StateDeadLettered || rec.AttemptCount != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.LastError == "" {
		t.Fatal("last_error not recorded")
	}

	trail, _ := f.orch.History(ctx, "c-1")
	var sawDeadLetter bool
	for _, e := range trail {
		if e.Type == audit.EventTypeDeadLetter {
			sawDeadLetter = true
		}
	}
	if !sawDeadLetter {
		t.Fatalf("no dead-letter audit event: %+v", trail)
	}
}

func TestProcessPass_TransientErrorsBackOffThenDeadLetter(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	f := newFixture(t, nil, cfg)
	f.seedOwners(t, "owner-1")
	f.crm.setSearchErr(zoho.ErrCrmUnavailable)
	ctx := context.Background()

	f.store.UpsertIfNew(ctx, missedDraft("c-1", "+15551234567"))

	// Attempt 1: fails, backs off base × 1.
	res, _ := f.orch.ProcessPass(ctx)
	if res.Failed != 1 {
		t.Fatalf("attempt 1: %+v", res)
	}
	rec, _ := f.store.GetByProviderCallID(ctx, "c-1")
	if rec.AttemptCount != 1 || rec.NextAttemptAt == nil {
		t.Fatalf("attempt 1 record: %+v", rec)
	}
	wantNext := f.clock.Now().Add(time.Minute)
	if !rec.NextAttemptAt.Equal(wantNext) {
		t.Fatalf("backoff: got %v, want %v", rec.NextAttemptAt, wantNext)
	}

	// Attempt 2: longer backoff.
	f.clock.Advance(2 * time.Minute)
	f.orch.ProcessPass(ctx)
	rec, _ = f.store.GetByProviderCallID(ctx, "c-1")
	if rec.AttemptCount != 2 {
		t.Fatalf("attempt 2 record: %+v", rec)
	}
	if got, want := *rec.NextAttemptAt, f.clock.Now().Add(2*time.Minute); !got.Equal(want) {
		t.Fatalf("backoff 2: got %v, want %v", got, want)
	}

	// Attempt 3 exhausts the budget.
	f.clock.Advance(3 * time.Minute)
	res, _ = f.orch.ProcessPass(ctx)
	if res.DeadLettered != 1 {
		t.Fatalf("attempt 3: %+v", res)
	}
	rec, _ = f.store.GetByProviderCallID(ctx, "c-1")
	if rec.State != calls.StateDeadLettered || rec.AttemptCount != 3 {
		t.Fatalf("final record: %+v", rec)
	}
}

func TestProcessPass_NotReadyRecordingParksThenAbandons(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecordingChecks = 2
	f := newFixture(t, nil, cfg)
	f.seedOwners(t, "owner-1")
	f.source.setErr(ringcentral.ErrNotReady)
	ctx := context.Background()

	f.store.UpsertIfNew(ctx, acceptedDraftWithRecording("c-1", "+15551234567"))

	// Check 1: parked, not failed.
	res, _ := f.orch.ProcessPass(ctx)
	if res.Parked != 1 || res.Failed != 0 {
		t.Fatalf("check 1: %+v", res)
	}
	rec, _ := f.store.GetByProviderCallID(ctx, "c-1")
	if rec.State != calls.StateAttachWaiting || rec.RecordingChecks != 1 || rec.AttemptCount != 0 {
		t.Fatalf("check 1 record: %+v", rec)
	}

	// Held until the retry delay elapses.
	if res, _ := f.orch.ProcessPass(ctx); res.Picked != 0 {
		t.Fatalf("picked during recording delay: %+v", res)
	}

	// Check 2 hits the bound: the lead is done, the recording given up on.
	f.clock.Advance(11 * time.Minute)
	res, _ = f.orch.ProcessPass(ctx)
	if res.Completed != 1 {
		t.Fatalf("check 2: %+v", res)
	}
	rec, _ = f.store.GetByProviderCallID(ctx, "c-1")
	if rec.State != calls.StateCompleted || rec.RecordingChecks != 2 {
		t.Fatalf("final record: %+v", rec)
	}
	if len(f.crm.files) != 0 {
		t.Fatalf("no attachment expected, got %v", f.crm.files)
	}
}

func TestProcessPass_RoundRobinAcrossRecords(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	f.seedOwners(t, "owner-1", "owner-2")
	ctx := context.Background()

	// Distinct numbers so each record creates its own lead.
	f.store.UpsertIfNew(ctx, missedDraft("c-1", "+15550000001"))
	d2 := missedDraft("c-2", "+15550000002")
	d2.StartTime = d2.StartTime.Add(time.Minute)
	f.store.UpsertIfNew(ctx, d2)

	cfgOneWorker := f.orch.cfg
	cfgOneWorker.Workers = 1 // deterministic rotation order
	f.orch.cfg = cfgOneWorker

	if _, err := f.orch.ProcessPass(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	rec1, _ := f.store.GetByProviderCallID(ctx, "c-1")
	rec2, _ := f.store.GetByProviderCallID(ctx, "c-2")
	if rec1.OwnerID != "owner-1" || rec2.OwnerID != "owner-2" {
		t.Fatalf("rotation broken: c-1=%s c-2=%s", rec1.OwnerID, rec2.OwnerID)
	}
}

func TestStats_WindowSummary(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	f.seedOwners(t, "owner-1")
	ctx := context.Background()

	f.store.UpsertIfNew(ctx, missedDraft("c-1", "+15550000001"))
	f.store.UpsertIfNew(ctx, acceptedDraftWithRecording("c-2", "+15550000002"))
	f.orch.ProcessPass(ctx)

	st, err := f.orch.Stats(ctx, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Missed != 1 || st.Accepted != 1 || st.Processed != 2 || st.LeadsCreated != 2 || st.WithRecordings != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
