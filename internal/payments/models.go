package payments

import "time"

// Payment mirrors one gateway authorization for a call session.
// Amounts are in minor units.
//
// Money invariants:
// - CommissionMinor + ProviderMinor reconciles to AmountMinor within one minor unit.
// - Status moves forward only; captured and canceled are exclusive.
// - RefundedMinor never exceeds the captured amount.
type Payment struct {
	ID         string `json:"id" db:"id"`
	IntentID   string `json:"intent_id" db:"intent_id"`
	SessionID  string `json:"session_id" db:"session_id"`
	ClientID   string `json:"client_id" db:"client_id"`
	ProviderID string `json:"provider_id" db:"provider_id"`

	AmountMinor     int64  `json:"amount_minor" db:"amount_minor"`
	CommissionMinor int64  `json:"commission_minor" db:"commission_minor"`
	ProviderMinor   int64  `json:"provider_minor" db:"provider_minor"`
	RefundedMinor   int64  `json:"refunded_minor" db:"refunded_minor"`
	Currency        string `json:"currency" db:"currency"`

	Status        Status `json:"status" db:"status"`
	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	CapturedAt *time.Time `json:"captured_at,omitempty" db:"captured_at"`
	CanceledAt *time.Time `json:"canceled_at,omitempty" db:"canceled_at"`
	RefundedAt *time.Time `json:"refunded_at,omitempty" db:"refunded_at"`
}

// Status holds gateway intent states plus the local settlement states.
type Status string

const (
	StatusRequiresPaymentMethod Status = "requires_payment_method"
	StatusRequiresConfirmation  Status = "requires_confirmation"
	StatusRequiresAction        Status = "requires_action"
	StatusProcessing            Status = "processing"
	StatusRequiresCapture       Status = "requires_capture"
	StatusSucceeded             Status = "succeeded"
	StatusCanceled              Status = "canceled"

	StatusCaptured          Status = "captured"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusFailed            Status = "failed"
)

// InFlightStatuses block a second payment for the same client/provider pair.
var InFlightStatuses = []Status{
	StatusRequiresPaymentMethod,
	StatusRequiresConfirmation,
	StatusRequiresAction,
	StatusProcessing,
	StatusRequiresCapture,
}

func (s Status) InFlight() bool {
	for _, v := range InFlightStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Cancelable reports whether the gateway accepts a cancel from this state.
func (s Status) Cancelable() bool {
	return s.InFlight()
}

func (s Status) Refundable() bool {
	return s == StatusSucceeded || s == StatusCaptured || s == StatusPartiallyRefunded
}

// Settled reports whether money has moved (captured, possibly refunded after).
func (s Status) Settled() bool {
	return s == StatusCaptured || s == StatusSucceeded || s == StatusRefunded || s == StatusPartiallyRefunded
}

// Intent is the gateway's view of an authorization.
type Intent struct {
	ID             string
	Status         Status
	AmountMinor    int64
	AmountReceived int64
	Currency       string
	ClientSecret   string
	FailureReason  string
}

type Refund struct {
	ID          string
	AmountMinor int64
	Status      string
}

// Filter selects payments for listing and statistics.
type Filter struct {
	From       time.Time
	To         time.Time
	Statuses   []Status
	ClientID   string
	ProviderID string
}

func (f Filter) Match(p Payment) bool {
	if !f.From.IsZero() && p.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !p.CreatedAt.Before(f.To) {
		return false
	}
	if f.ClientID != "" && p.ClientID != f.ClientID {
		return false
	}
	if f.ProviderID != "" && p.ProviderID != f.ProviderID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}

// PartyStatus is the account standing of a client or provider.
type PartyStatus string

const (
	PartyActive    PartyStatus = "active"
	PartySuspended PartyStatus = "suspended"
)
