package audit

import "time"

// EventType classifies a pipeline audit event.
type EventType string

const (
	EventTypeStateTransition EventType = "state_transition"
	EventTypeFailure         EventType = "failure"
	EventTypeDeadLetter      EventType = "dead_letter"
	EventTypeFetchPass       EventType = "fetch_pass"
	EventTypeResync          EventType = "resync"
)

// Event is one append-only row of the pipeline's processing trail.
// Events tied to a call carry its ProviderCallID; pass-level events leave it
// empty.
type Event struct {
	ID             string    `json:"id"`
	ProviderCallID string    `json:"provider_call_id,omitempty"`
	Type           EventType `json:"type"`

	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Message   string `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
