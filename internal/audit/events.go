// Package audit records administrative actions against keys: issuance,
// revocation, and expiry transitions. Every event becomes one append-only
// admin log entry in the keystore; events are never read on the validation
// path.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action represents the administrative action being audited.
type Action string

// Administrative actions.
const (
	ActionKeyIssue  Action = "key_issue"
	ActionKeyRevoke Action = "key_revoke"
	ActionKeyExpire Action = "key_expire"
)

// Outcome represents the outcome of an audited action.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event represents one administrative audit event.
type Event struct {
	// ID is a unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Action is the administrative action.
	Action Action `json:"action"`

	// Outcome is the outcome of the action.
	Outcome Outcome `json:"outcome"`

	// KeyID references the key the action concerned, when there is one.
	KeyID string `json:"key_id,omitempty"`

	// UserID references the owning user, when known.
	UserID string `json:"user_id,omitempty"`

	// Detail is a free-text description of the action.
	Detail string `json:"detail,omitempty"`

	// TraceID is the trace ID for distributed tracing.
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the span ID for distributed tracing.
	SpanID string `json:"span_id,omitempty"`
}

// NewEvent creates an audit event with default values.
func NewEvent(action Action, outcome Outcome) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Outcome:   outcome,
	}
}

// WithKey sets the key and owning user references.
func (e *Event) WithKey(keyID, userID string) *Event {
	e.KeyID = keyID
	e.UserID = userID
	return e
}

// WithDetail sets the free-text description.
func (e *Event) WithDetail(detail string) *Event {
	e.Detail = detail
	return e
}
