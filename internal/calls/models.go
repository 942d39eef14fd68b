package calls

import "time"

// CallType is the qualification outcome of an inbound call.
type CallType string

const (
	CallTypeAccepted CallType = "Accepted"
	CallTypeMissed   CallType = "Missed"
)

// CallState is the processing state of a CallRecord.
//
// The state names the step the record needs next, so a crashed worker's
// record resumes exactly where it stopped. ReconcilingPending marks a
// provisional lead create whose response may have been lost; the reconciler
// must re-query the CRM by phone before creating again. AttachWaiting parks
// records whose recording is not yet available at the provider.
type CallState string

const (
	StateFetched            CallState = "fetched"
	StateAssigning          CallState = "assigning"
	StateReconciling        CallState = "reconciling"
	StateReconcilingPending CallState = "reconciling_pending"
	StateAttaching          CallState = "attaching"
	StateAttachWaiting      CallState = "attach_waiting"
	StateCompleted          CallState = "completed"
	StateFailed             CallState = "failed"
	StateDeadLettered       CallState = "dead_lettered"
)

// transitions is the authoritative state machine table. Any transition not
// listed here is rejected by the stores, including CAS writes from stale
// concurrent workers.
var transitions = map[CallState][]CallState{
	StateFetched:            {StateAssigning, StateDeadLettered},
	StateAssigning:          {StateReconciling, StateFailed, StateDeadLettered},
	StateReconciling:        {StateReconcilingPending, StateAttaching, StateFailed, StateDeadLettered},
	StateReconcilingPending: {StateAttaching, StateFailed, StateDeadLettered},
	StateAttaching:          {StateCompleted, StateAttachWaiting, StateFailed, StateDeadLettered},
	StateAttachWaiting:      {StateAttaching, StateCompleted, StateFailed, StateDeadLettered},
	StateFailed:             {StateAssigning, StateReconciling, StateReconcilingPending, StateAttaching, StateAttachWaiting, StateDeadLettered},
}

// ValidTransition reports whether a record may move from one state to another.
func ValidTransition(from, to CallState) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state accepts no further transitions.
func Terminal(s CallState) bool {
	return s == StateCompleted || s == StateDeadLettered
}

// Draft is a normalized call event as returned by the fetcher, before it has
// been admitted to the store. It carries no processing state.
type Draft struct {
	ProviderCallID string     `json:"provider_call_id"`
	ExtensionID    string     `json:"extension_id"`
	Direction      string     `json:"direction"`
	CallType       CallType   `json:"call_type"`
	CallerNumber   string     `json:"caller_number"`
	CallerName     string     `json:"caller_name,omitempty"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	DurationSecs   int        `json:"duration_seconds,omitempty"`
	RecordingID    string     `json:"recording_id,omitempty"`
	RecordingURL   string     `json:"recording_url,omitempty"`
}

// CallRecord is one telephony event and its processing trail.
//
// Invariant: ProviderCallID is globally unique; a record is created at most
// once per provider call id regardless of how many fetch windows overlap it.
// Records are never deleted (audit trail).
type CallRecord struct {
	ID             string `json:"id" db:"id"`
	ProviderCallID string `json:"provider_call_id" db:"provider_call_id"`
	ExtensionID    string `json:"extension_id" db:"extension_id"`

	Direction    string   `json:"direction" db:"direction"`
	CallType     CallType `json:"call_type" db:"call_type"`
	CallerNumber string   `json:"caller_number" db:"caller_number"`
	CallerName   string   `json:"caller_name,omitempty" db:"caller_name"`

	StartTime    time.Time  `json:"start_time" db:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty" db:"end_time"`
	DurationSecs int        `json:"duration_seconds" db:"duration_seconds"`

	RecordingID  string `json:"recording_id,omitempty" db:"recording_id"`
	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`

	// Filled in as the record advances through the pipeline.
	OwnerID     string `json:"owner_id,omitempty" db:"owner_id"`
	LeadID      string `json:"lead_id,omitempty" db:"lead_id"`
	LeadCreated bool   `json:"lead_created" db:"lead_created"`

	State CallState `json:"state" db:"state"`
	// ResumeState is set while State == failed: the step to re-enter on retry.
	ResumeState CallState `json:"resume_state,omitempty" db:"resume_state"`

	AttemptCount    int    `json:"attempt_count" db:"attempt_count"`
	RecordingChecks int    `json:"recording_checks" db:"recording_checks"`
	LastError       string `json:"last_error,omitempty" db:"last_error"`

	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Extension is a telephony line/user on the provider side.
// Immutable except for periodic resync (upsert by ExtensionID).
type Extension struct {
	ExtensionID string    `json:"extension_id" db:"extension_id"`
	Name        string    `json:"name" db:"name"`
	Number      string    `json:"extension_number" db:"extension_number"`
	Type        string    `json:"type" db:"type"`
	Enabled     bool      `json:"enabled" db:"enabled"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Stats summarizes a time window for the trigger surface.
type Stats struct {
	Accepted       int `json:"accepted"`
	Missed         int `json:"missed"`
	Processed      int `json:"processed"`
	Unprocessed    int `json:"unprocessed"`
	DeadLettered   int `json:"dead_lettered"`
	LeadsCreated   int `json:"leads_created"`
	WithRecordings int `json:"with_recordings"`
}
