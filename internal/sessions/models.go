package sessions

import "time"

// CallSession is the single writable record for one paid consultation attempt.
//
// Invariants:
// - Status never leaves a terminal value once reached.
// - Payment.Status only moves forward; captured and refunded are exclusive.
// - Provider and client phones are distinct E.164 numbers.
type CallSession struct {
	ID     string `json:"id" db:"id"`
	Status Status `json:"status" db:"status"`

	Participants Participants `json:"participants"`
	Conference   Conference   `json:"conference"`
	Payment      Payment      `json:"payment"`
	Metadata     Metadata     `json:"metadata"`

	FailureReason string     `json:"failure_reason,omitempty" db:"failure_reason"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type Status string

const (
	StatusPending            Status = "pending"
	StatusProviderConnecting Status = "provider_connecting"
	StatusClientConnecting   Status = "client_connecting"
	StatusBothConnecting     Status = "both_connecting"
	StatusActive             Status = "active"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// LiveStatuses are the non-terminal statuses, in lifecycle order.
var LiveStatuses = []Status{
	StatusPending,
	StatusProviderConnecting,
	StatusClientConnecting,
	StatusBothConnecting,
	StatusActive,
}

type Role string

const (
	RoleProvider Role = "provider"
	RoleClient   Role = "client"
)

func (r Role) Valid() bool { return r == RoleProvider || r == RoleClient }

// Other returns the opposite participant role.
func (r Role) Other() Role {
	if r == RoleProvider {
		return RoleClient
	}
	return RoleProvider
}

type ParticipantStatus string

const (
	ParticipantPending      ParticipantStatus = "pending"
	ParticipantRinging      ParticipantStatus = "ringing"
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantDisconnected ParticipantStatus = "disconnected"
	ParticipantNoAnswer     ParticipantStatus = "no_answer"
)

type Participant struct {
	Phone          string            `json:"phone"`
	Status         ParticipantStatus `json:"status"`
	CallSID        string            `json:"call_sid,omitempty"`
	ConnectedAt    *time.Time        `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time        `json:"disconnected_at,omitempty"`
	AttemptCount   int               `json:"attempt_count"`
}

type Participants struct {
	Provider Participant `json:"provider"`
	Client   Participant `json:"client"`
}

func (p Participants) Get(role Role) Participant {
	if role == RoleProvider {
		return p.Provider
	}
	return p.Client
}

func (p *Participants) ref(role Role) *Participant {
	if role == RoleProvider {
		return &p.Provider
	}
	return &p.Client
}

// BothConnected reports whether both legs are currently in the conference.
func (p Participants) BothConnected() bool {
	return p.Provider.Status == ParticipantConnected && p.Client.Status == ParticipantConnected
}

type Conference struct {
	SID       string     `json:"sid,omitempty"`
	Name      string     `json:"name"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	// Duration in seconds; authoritative for billing.
	Duration int `json:"duration"`

	RecordingURL      string `json:"recording_url,omitempty"`
	RecordingSID      string `json:"recording_sid,omitempty"`
	RecordingStatus   string `json:"recording_status,omitempty"`
	RecordingDuration int    `json:"recording_duration,omitempty"`
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentCanceled   PaymentStatus = "canceled"
	PaymentFailed     PaymentStatus = "failed"
)

type Payment struct {
	IntentID      string        `json:"intent_id"`
	Status        PaymentStatus `json:"status"`
	Amount        int64         `json:"amount"`
	Currency      string        `json:"currency"`
	CapturedAt    *time.Time    `json:"captured_at,omitempty"`
	RefundedAt    *time.Time    `json:"refunded_at,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

type ServiceType string

const (
	ServiceLawyerCall ServiceType = "lawyer_call"
	ServiceExpatCall  ServiceType = "expat_call"
)

type ProviderType string

const (
	ProviderLawyer ProviderType = "lawyer"
	ProviderExpat  ProviderType = "expat"
)

type Metadata struct {
	ProviderID   string       `json:"provider_id"`
	ClientID     string       `json:"client_id"`
	ServiceType  ServiceType  `json:"service_type"`
	ProviderType ProviderType `json:"provider_type"`
	// MaxDuration in seconds.
	MaxDuration int       `json:"max_duration"`
	Language    string    `json:"language"`
	TaskID      string    `json:"task_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleForCallSID resolves which participant owns a provider call id.
func (s CallSession) RoleForCallSID(sid string) (Role, bool) {
	if sid == "" {
		return "", false
	}
	switch sid {
	case s.Participants.Provider.CallSID:
		return RoleProvider, true
	case s.Participants.Client.CallSID:
		return RoleClient, true
	default:
		return "", false
	}
}
