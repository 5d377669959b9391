package audit

import "time"

// Record is an immutable, append-only call-attempt log entry.
//
// Invariants:
// - Records are never updated or deleted.
// - session_id is required.
// - Attempt never decreases for a given session and role.
//
// The session document only holds current participant status; attempt
// history lives here.
type Record struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`

	// Role is provider, client, or session for saga-level events.
	Role  string    `json:"role" db:"role"`
	Event EventType `json:"event" db:"event"`

	Attempt int    `json:"attempt" db:"attempt"`
	CallSID string `json:"call_sid,omitempty" db:"call_sid"`

	// Actor fields are set for operator-initiated events only.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON (store as JSONB).
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventSagaStarted          EventType = "saga_started"
	EventAttemptStarted       EventType = "attempt_started"
	EventAttemptConnected     EventType = "attempt_connected"
	EventAttemptFailed        EventType = "attempt_failed"
	EventParticipantExhausted EventType = "participant_exhausted"
	EventSessionCompleted     EventType = "session_completed"
	EventSessionFailed        EventType = "session_failed"
	EventSessionCancelled     EventType = "session_cancelled"
	EventPaymentAnomaly       EventType = "payment_anomaly"
)

const RoleSession = "session"
