package audit

import "time"

// Event is one call lifecycle fact: a call was registered, answered,
// held, resumed, ended or failed. The trail is append-only and internal;
// it backs operator debugging, not billing.

type Event struct {
	ID     string    `json:"id"`
	CallID string    `json:"call_id"`
	Type   EventType `json:"type"`

	// Detail is an optional human-readable note (failure reason,
	// bridge id, operator action source).
	Detail string `json:"detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTypeCallRegistered EventType = "call.registered"
	EventTypeCallAnswered   EventType = "call.answered"
	EventTypeCallHeld       EventType = "call.held"
	EventTypeCallResumed    EventType = "call.resumed"
	EventTypeCallEnded      EventType = "call.ended"
	EventTypeCallFailed     EventType = "call.failed"
)
