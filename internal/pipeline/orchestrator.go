package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/assign"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/audit"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/calls"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/lock"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/recording"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/ringcentral"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/zoho"
)

const processBatchSize = 500

// Fetcher pulls normalized call drafts for a window.
type Fetcher interface {
	FetchWindow(ctx context.Context, extensionIDs []string, from, to time.Time) ([]calls.Draft, error)
}

// Reconciler upserts the CRM lead for one call.
type Reconciler interface {
	Reconcile(ctx context.Context, call calls.CallRecord, ownerID string) (zoho.LeadRef, error)
}

// Attacher handles the recording step for one call.
type Attacher interface {
	Attach(ctx context.Context, call calls.CallRecord) (recording.Result, error)
}

// Config is the orchestrator's tuning, filled from SyncConfig.
type Config struct {
	MaxAttempts         int
	RetryBackoffBase    time.Duration
	RecordingRetryDelay time.Duration
	MaxRecordingChecks  int
	Workers             int
	LockTTL             time.Duration
}

// Orchestrator drives call records through the state machine:
// assign owner, reconcile lead, attach recording.
//
// Per-record redis locks keep two workers off the same record; CAS state
// writes reject anything a lock failure lets through. Every state write names
// the step the record needs next, so a worker killed mid-record resumes
// exactly where it stopped.
type Orchestrator struct {
	store      calls.Store
	fetcher    Fetcher
	assigner   assign.Assigner
	reconciler Reconciler
	attacher   Attacher
	locks      lock.Locker
	audit      *audit.Service
	cfg        Config
	log        *slog.Logger
	clock      func() time.Time
}

func NewOrchestrator(
	store calls.Store,
	fetcher Fetcher,
	assigner assign.Assigner,
	reconciler Reconciler,
	attacher Attacher,
	locks lock.Locker,
	auditSvc *audit.Service,
	cfg Config,
	log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:      store,
		fetcher:    fetcher,
		assigner:   assigner,
		reconciler: reconciler,
		attacher:   attacher,
		locks:      locks,
		audit:      auditSvc,
		cfg:        cfg,
		log:        log,
		clock:      time.Now,
	}
}

// FetchResult summarizes one fetch pass.
//
// On a partial provider failure the resume fields name the extension and page
// the fetch stopped at, so a follow-up trigger can re-run the same window; the
// dedupe store drops whatever the retry re-fetches.
type FetchResult struct {
	Fetched    int `json:"fetched"`
	New        int `json:"new"`
	Duplicates int `json:"duplicates"`

	ResumeExtension string `json:"resume_extension,omitempty"`
	ResumePage      int    `json:"resume_page,omitempty"`
}

// FetchPass pulls the window's call log for every enabled extension and
// admits each draft through UpsertIfNew, which drops duplicates from
// overlapping windows. Drafts gathered before a partial provider failure are
// still admitted; the re-fetch that follows is idempotent.
func (o *Orchestrator) FetchPass(ctx context.Context, from, to time.Time) (FetchResult, error) {
	exts, err := o.store.ListEnabledExtensions(ctx)
	if err != nil {
		return FetchResult{}, err
	}
	extIDs := make([]string, len(exts))
	for i, e := range exts {
		extIDs[i] = e.ExtensionID
	}

	drafts, fetchErr := o.fetcher.FetchWindow(ctx, extIDs, from, to)

	var res FetchResult
	res.Fetched = len(drafts)
	var boundary *ringcentral.WindowError
	if errors.As(fetchErr, &boundary) {
		res.ResumeExtension = boundary.ExtensionID
		res.ResumePage = boundary.Page
	}
	for _, d := range drafts {
		_, isNew, err := o.store.UpsertIfNew(ctx, d)
		if err != nil {
			return res, fmt.Errorf("admit %s: %w", d.ProviderCallID, err)
		}
		if isNew {
			res.New++
		} else {
			res.Duplicates++
		}
	}

	msg := fmt.Sprintf("window %s..%s: %d fetched, %d new, %d duplicates",
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
		res.Fetched, res.New, res.Duplicates)
	if fetchErr != nil {
		msg += ": " + fetchErr.Error()
		if boundary != nil {
			msg += fmt.Sprintf(" (resume extension %s page %d)", boundary.ExtensionID, boundary.Page)
		}
	}
	if err := o.audit.LogFetchPass(ctx, msg); err != nil {
		o.log.Warn("audit append failed", slog.String("error", err.Error()))
	}
	o.log.Info("fetch pass", slog.Int("fetched", res.Fetched),
		slog.Int("new", res.New), slog.Int("duplicates", res.Duplicates))
	return res, fetchErr
}

// ProcessResult summarizes one process pass.
type ProcessResult struct {
	Picked       int `json:"picked"`
	Completed    int `json:"completed"`
	Parked       int `json:"parked"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
}

// ProcessPass drains due records through a worker pool. Cancellation is
// honored between records: a record already picked finishes its step.
func (o *Orchestrator) ProcessPass(ctx context.Context) (ProcessResult, error) {
	due, err := o.store.ListUnprocessed(ctx, "", processBatchSize, o.clock())
	if err != nil {
		return ProcessResult{}, err
	}

	workers := o.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	var (
		mu  sync.Mutex
		res ProcessResult
		wg  sync.WaitGroup
	)
	res.Picked = len(due)

	queue := make(chan calls.CallRecord)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range queue {
				outcome := o.processOne(ctx, rec)
				mu.Lock()
				switch outcome {
				case outcomeCompleted:
					res.Completed++
				case outcomeParked:
					res.Parked++
				case outcomeFailed:
					res.Failed++
				case outcomeDeadLettered:
					res.DeadLettered++
				default:
					res.Skipped++
				}
				mu.Unlock()
			}
		}()
	}

	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		queue <- rec
	}
	close(queue)
	wg.Wait()

	o.log.Info("process pass",
		slog.Int("picked", res.Picked), slog.Int("completed", res.Completed),
		slog.Int("parked", res.Parked), slog.Int("failed", res.Failed),
		slog.Int("dead_lettered", res.DeadLettered), slog.Int("skipped", res.Skipped))
	return res, ctx.Err()
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeParked
	outcomeFailed
	outcomeDeadLettered
)

func (o *Orchestrator) processOne(ctx context.Context, rec calls.CallRecord) outcome {
	token, ok, err := o.locks.Acquire(ctx, "call:"+rec.ID, o.cfg.LockTTL)
	if err != nil {
		o.log.Error("lock acquire failed", slog.String("call_id", rec.ID), slog.String("error", err.Error()))
		return outcomeSkipped
	}
	if !ok {
		return outcomeSkipped
	}
	defer func() { _ = o.locks.Release(ctx, "call:"+rec.ID, token) }()

	log := o.log.With(slog.String("call_id", rec.ID), slog.String("provider_call_id", rec.ProviderCallID))

	// Entry transitions: fresh records start assigning, failed records resume
	// at the step recorded when they failed.
	switch rec.State {
	case calls.StateFetched:
		rec, err = o.transition(ctx, rec, calls.StateAssigning, calls.StateUpdate{})
	case calls.StateFailed:
		resume := rec.ResumeState
		if resume == "" {
			resume = calls.StateAssigning
		}
		rec, err = o.transition(ctx, rec, resume, calls.StateUpdate{})
	}
	if err != nil {
		if !errors.Is(err, calls.ErrStaleState) {
			log.Error("entry transition failed", slog.String("error", err.Error()))
		}
		return outcomeSkipped
	}

	for {
		switch rec.State {
		case calls.StateAssigning:
			ownerID, err := o.assigner.Assign(ctx, rec.ExtensionID)
			if err != nil {
				return o.handleFailure(ctx, rec, err, log)
			}
			rec, err = o.transition(ctx, rec, calls.StateReconciling,
				calls.StateUpdate{OwnerID: ownerID, ClearLastError: true, ClearNextAttemptAt: true})
			if err != nil {
				return outcomeSkipped
			}

		case calls.StateReconciling, calls.StateReconcilingPending:
			ref, err := o.reconciler.Reconcile(ctx, rec, rec.OwnerID)
			if err != nil {
				return o.handleFailure(ctx, rec, err, log)
			}
			// The reconciler may have marked the record pending mid-step, so
			// refresh before the CAS write.
			rec, err = o.refresh(ctx, rec)
			if err != nil {
				return outcomeSkipped
			}
			rec, err = o.transition(ctx, rec, calls.StateAttaching, calls.StateUpdate{
				LeadID:             ref.LeadID,
				LeadCreated:        ref.Created,
				ClearLastError:     true,
				ClearNextAttemptAt: true,
			})
			if err != nil {
				return outcomeSkipped
			}

		case calls.StateAttachWaiting:
			var err error
			rec, err = o.transition(ctx, rec, calls.StateAttaching, calls.StateUpdate{})
			if err != nil {
				return outcomeSkipped
			}

		case calls.StateAttaching:
			result, err := o.attacher.Attach(ctx, rec)
			if err != nil {
				return o.handleFailure(ctx, rec, err, log)
			}
			if result == recording.NotReadyYet {
				return o.parkForRecording(ctx, rec, log)
			}
			now := o.clock().UTC()
			rec, err = o.transition(ctx, rec, calls.StateCompleted, calls.StateUpdate{
				ClearLastError:     true,
				ClearNextAttemptAt: true,
				ProcessedAt:        &now,
			})
			if err != nil {
				return outcomeSkipped
			}
			log.Info("call completed", slog.String("lead_id", rec.LeadID),
				slog.Bool("lead_created", rec.LeadCreated), slog.String("recording", string(result)))
			return outcomeCompleted

		default:
			// Terminal or unexpected state: nothing to do.
			return outcomeSkipped
		}
	}
}

// parkForRecording puts a record with still-processing media into
// attach_waiting with a delayed next attempt. After MaxRecordingChecks the
// recording is given up on and the call completes anyway; the lead itself is
// already reconciled and last_error says what was abandoned.
func (o *Orchestrator) parkForRecording(ctx context.Context, rec calls.CallRecord, log *slog.Logger) outcome {
	checks := rec.RecordingChecks + 1
	if o.cfg.MaxRecordingChecks > 0 && checks >= o.cfg.MaxRecordingChecks {
		now := o.clock().UTC()
		_, err := o.transition(ctx, rec, calls.StateCompleted, calls.StateUpdate{
			RecordingCheckDelta: 1,
			LastError:           "recording never became available",
			ClearNextAttemptAt:  true,
			ProcessedAt:         &now,
		})
		if err != nil {
			return outcomeSkipped
		}
		log.Warn("recording abandoned after max checks", slog.Int("checks", checks))
		return outcomeCompleted
	}

	next := o.clock().UTC().Add(o.cfg.RecordingRetryDelay)
	_, err := o.transition(ctx, rec, calls.StateAttachWaiting, calls.StateUpdate{
		RecordingCheckDelta: 1,
		NextAttemptAt:       &next,
	})
	if err != nil {
		return outcomeSkipped
	}
	log.Info("recording not ready, parked",
		slog.Int("checks", checks), slog.Time("next_attempt_at", next))
	return outcomeParked
}

// handleFailure classifies err and either re-queues the record with backoff
// or dead-letters it.
func (o *Orchestrator) handleFailure(ctx context.Context, rec calls.CallRecord, cause error, log *slog.Logger) outcome {
	// The step may have advanced the stored state (pending-create mark)
	// before failing; transition from what the store holds now.
	if fresh, err := o.refresh(ctx, rec); err == nil {
		rec = fresh
	}
	attempts := rec.AttemptCount + 1

	if terminalError(cause) {
		return o.deadLetter(ctx, rec, cause, log)
	}
	if o.cfg.MaxAttempts > 0 && attempts >= o.cfg.MaxAttempts {
		return o.deadLetter(ctx, rec, fmt.Errorf("attempts exhausted: %w", cause), log)
	}

	next := o.clock().UTC().Add(o.cfg.RetryBackoffBase * time.Duration(attempts))
	_, err := o.transition(ctx, rec, calls.StateFailed, calls.StateUpdate{
		ResumeState:   rec.State,
		LastError:     cause.Error(),
		AttemptDelta:  1,
		NextAttemptAt: &next,
	})
	if err != nil {
		return outcomeSkipped
	}
	if aerr := o.audit.LogFailure(ctx, rec.ProviderCallID, string(rec.State), cause.Error()); aerr != nil {
		log.Warn("audit append failed", slog.String("error", aerr.Error()))
	}
	log.Warn("transient failure, re-queued",
		slog.String("at_state", string(rec.State)), slog.Int("attempts", attempts),
		slog.Time("next_attempt_at", next), slog.String("error", cause.Error()))
	return outcomeFailed
}

func (o *Orchestrator) deadLetter(ctx context.Context, rec calls.CallRecord, cause error, log *slog.Logger) outcome {
	_, err := o.transition(ctx, rec, calls.StateDeadLettered, calls.StateUpdate{
		LastError:    cause.Error(),
		AttemptDelta: 1,
	})
	if err != nil {
		return outcomeSkipped
	}
	if aerr := o.audit.LogDeadLetter(ctx, rec.ProviderCallID, string(rec.State), cause.Error()); aerr != nil {
		log.Warn("audit append failed", slog.String("error", aerr.Error()))
	}
	log.Error("call dead-lettered",
		slog.String("at_state", string(rec.State)), slog.String("error", cause.Error()))
	return outcomeDeadLettered
}

// transition CAS-writes a state change and logs it to the audit trail.
func (o *Orchestrator) transition(ctx context.Context, rec calls.CallRecord, to calls.CallState, upd calls.StateUpdate) (calls.CallRecord, error) {
	updated, err := o.store.UpdateState(ctx, rec.ID, rec.State, to, upd)
	if err != nil {
		return rec, err
	}
	if aerr := o.audit.LogTransition(ctx, rec.ProviderCallID, string(rec.State), string(to)); aerr != nil {
		o.log.Warn("audit append failed", slog.String("error", aerr.Error()))
	}
	return updated, nil
}

func (o *Orchestrator) refresh(ctx context.Context, rec calls.CallRecord) (calls.CallRecord, error) {
	return o.store.GetByProviderCallID(ctx, rec.ProviderCallID)
}

// terminalError reports whether cause is a configuration or data-integrity
// error that retrying cannot fix.
func terminalError(cause error) bool {
	return errors.Is(cause, assign.ErrUnmappedExtension) ||
		errors.Is(cause, zoho.ErrCrmRejected) ||
		errors.Is(cause, zoho.ErrAmbiguousMatch)
}

// Stats passes through the store's window summary.
func (o *Orchestrator) Stats(ctx context.Context, from, to time.Time) (calls.Stats, error) {
	return o.store.Stats(ctx, from, to)
}

// DeadLetters lists records waiting for manual review.
func (o *Orchestrator) DeadLetters(ctx context.Context, limit int) ([]calls.CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return o.store.ListDeadLettered(ctx, limit)
}

// History returns the audit trail for one provider call id.
func (o *Orchestrator) History(ctx context.Context, providerCallID string) ([]audit.Event, error) {
	return o.audit.History(ctx, providerCallID)
}
