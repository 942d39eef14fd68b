package recording

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/calls"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/config"
)

// Result is the outcome of one attach attempt.
type Result string

const (
	// NoRecording: the call has nothing to attach; the step is a no-op.
	NoRecording Result = "no_recording"
	// Attached: media was downloaded and uploaded to the lead.
	Attached Result = "attached"
	// LinkNoted: link mode, the provider URL was noted on the lead.
	LinkNoted Result = "link_noted"
	// NotReadyYet: the provider has not finished processing the media.
	NotReadyYet Result = "not_ready_yet"
)

// Source downloads recording media from the telephony provider.
type Source interface {
	RecordingContent(ctx context.Context, recordingID string) (data []byte, contentType string, err error)
}

// Target writes to the CRM lead.
type Target interface {
	AttachFile(ctx context.Context, leadID, filename string, content []byte) error
	AddNote(ctx context.Context, leadID, title, content string) error
}

// Attacher moves a call's recording onto its lead, either by uploading the
// media or by noting the provider URL, per RECORDING_ATTACH_MODE.
type Attacher struct {
	source     Source
	target     Target
	mode       string // config.RecordingAttachUpload or config.RecordingAttachLink
	isNotReady func(error) bool
	log        *slog.Logger
}

func NewAttacher(source Source, target Target, mode string, isNotReady func(error) bool, log *slog.Logger) *Attacher {
	if mode == "" {
		mode = config.RecordingAttachUpload
	}
	return &Attacher{source: source, target: target, mode: mode, isNotReady: isNotReady, log: log}
}

// Attach processes the recording step for one call. Only accepted calls carry
// recordings worth attaching; everything else returns NoRecording.
func (a *Attacher) Attach(ctx context.Context, call calls.CallRecord) (Result, error) {
	if call.CallType != calls.CallTypeAccepted || call.RecordingID == "" {
		return NoRecording, nil
	}
	if call.LeadID == "" {
		return NoRecording, fmt.Errorf("recording: call %s has no lead", call.ID)
	}

	if a.mode == config.RecordingAttachLink {
		note := "Recording: " + call.RecordingURL
		if call.RecordingURL == "" {
			note = "Recording id: " + call.RecordingID
		}
		if err := a.target.AddNote(ctx, call.LeadID, "Call recording", note); err != nil {
			return NoRecording, err
		}
		return LinkNoted, nil
	}

	data, contentType, err := a.source.RecordingContent(ctx, call.RecordingID)
	if err != nil {
		if a.isNotReady != nil && a.isNotReady(err) {
			return NotReadyYet, nil
		}
		return NoRecording, err
	}

	filename := Filename(call, contentType)
	if err := a.target.AttachFile(ctx, call.LeadID, filename, data); err != nil {
		return NoRecording, err
	}
	a.log.Info("recording attached",
		slog.String("call_id", call.ID), slog.String("lead_id", call.LeadID),
		slog.String("filename", filename), slog.Int("bytes", len(data)))
	return Attached, nil
}

// Filename builds a stable attachment name from the call start time and
// recording id, so re-attaching after a retry is recognizable in the CRM.
func Filename(call calls.CallRecord, contentType string) string {
	return fmt.Sprintf("%s_recording_%s%s",
		call.StartTime.UTC().Format("20060102_150405"), call.RecordingID, extFor(contentType))
}

func extFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "wav"):
		return ".wav"
	case strings.Contains(contentType, "ogg"):
		return ".ogg"
	default:
		return ".mp3"
	}
}
