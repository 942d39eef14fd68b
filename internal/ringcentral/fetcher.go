package ringcentral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/calls"
)

const (
	pageRetries   = 3
	pageRetryBase = 2 * time.Second
)

// CallLogSource is the provider surface the fetcher needs; *Client satisfies
// it, tests substitute a fake.
type CallLogSource interface {
	CallLogPage(ctx context.Context, extensionID string, from, to time.Time, page int) ([]CallLogRecord, bool, error)
}

// WindowError reports where a fetch pass stopped so the caller can resume the
// window from that extension and page instead of restarting.
type WindowError struct {
	ExtensionID string
	Page        int
	Err         error
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("ringcentral: fetch window stopped at extension %s page %d: %v", e.ExtensionID, e.Page, e.Err)
}

func (e *WindowError) Unwrap() error { return e.Err }

// Fetcher pulls the detailed call log for a set of extensions over a time
// window and normalizes inbound calls into drafts.
type Fetcher struct {
	source CallLogSource
	log    *slog.Logger

	// retryDelay is swappable so tests don't sleep.
	retryDelay func(d time.Duration) <-chan time.Time
}

func NewFetcher(source CallLogSource, log *slog.Logger) *Fetcher {
	return &Fetcher{
		source:     source,
		log:        log,
		retryDelay: time.After,
	}
}

// FetchWindow walks every page of every extension's call log in [from, to).
// Each page request is retried up to pageRetries times on transient provider
// errors with doubling delays. A page that still fails ends the pass with a
// WindowError; drafts gathered before the failure are returned alongside it,
// since admission is idempotent and re-fetching the window is safe.
func (f *Fetcher) FetchWindow(ctx context.Context, extensionIDs []string, from, to time.Time) ([]calls.Draft, error) {
	var drafts []calls.Draft
	for _, extID := range extensionIDs {
		for page := 1; ; page++ {
			records, more, err := f.fetchPage(ctx, extID, from, to, page)
			if err != nil {
				return drafts, &WindowError{ExtensionID: extID, Page: page, Err: err}
			}
			for _, rec := range records {
				d, ok := f.qualify(rec, extID)
				if !ok {
					continue
				}
				drafts = append(drafts, d)
			}
			if !more {
				break
			}
		}
	}
	f.log.Info("fetch window complete",
		slog.Time("from", from), slog.Time("to", to),
		slog.Int("extensions", len(extensionIDs)), slog.Int("drafts", len(drafts)))
	return drafts, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, extID string, from, to time.Time, page int) ([]CallLogRecord, bool, error) {
	delay := pageRetryBase
	for attempt := 1; ; attempt++ {
		records, more, err := f.source.CallLogPage(ctx, extID, from, to, page)
		if err == nil {
			return records, more, nil
		}
		if !errors.Is(err, ErrUnavailable) || attempt >= pageRetries {
			return nil, false, err
		}
		f.log.Warn("call log page failed, retrying",
			slog.String("extension_id", extID), slog.Int("page", page),
			slog.Int("attempt", attempt), slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-f.retryDelay(delay):
		}
		delay *= 2
	}
}

// qualify turns an inbound call-log row into a draft. Outbound calls and
// calls with no caller number are skipped. A call is Accepted when any leg
// for this extension connected; otherwise Missed.
func (f *Fetcher) qualify(rec CallLogRecord, extID string) (calls.Draft, bool) {
	if rec.Direction != "Inbound" || rec.From.PhoneNumber == "" {
		return calls.Draft{}, false
	}

	callType := calls.CallTypeMissed
	if accepted(rec) {
		callType = calls.CallTypeAccepted
	}

	d := calls.Draft{
		ProviderCallID: rec.ID,
		ExtensionID:    extID,
		Direction:      rec.Direction,
		CallType:       callType,
		CallerNumber:   rec.From.PhoneNumber,
		CallerName:     rec.From.Name,
		StartTime:      rec.StartTime,
		DurationSecs:   rec.Duration,
	}
	if rec.Duration > 0 {
		end := rec.StartTime.Add(time.Duration(rec.Duration) * time.Second)
		d.EndTime = &end
	}
	if rec.Recording != nil {
		d.RecordingID = rec.Recording.ID
		d.RecordingURL = rec.Recording.ContentURI
	}
	return d, true
}

func accepted(rec CallLogRecord) bool {
	for _, leg := range rec.Legs {
		if leg.Direction == "Inbound" && leg.Result == "Accepted" {
			return true
		}
	}
	// No leg detail: fall back to the top-level result.
	return len(rec.Legs) == 0 && rec.Result == "Accepted"
}
