package finance

import "time"

// Ticket is the durable, human-actionable record of a payment anomaly.
type Ticket struct {
	ID              string         `json:"id" db:"id"`
	SessionID       string         `json:"session_id" db:"session_id"`
	PaymentIntentID string         `json:"payment_intent_id" db:"payment_intent_id"`
	Reason          string         `json:"reason" db:"reason"`
	Priority        TicketPriority `json:"priority" db:"priority"`
	Status          TicketStatus   `json:"status" db:"status"`
	AmountMinor     int64          `json:"amount_minor" db:"amount_minor"`
	Currency        string         `json:"currency" db:"currency"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

type TicketPriority string

const (
	PriorityHigh   TicketPriority = "high"
	PriorityMedium TicketPriority = "medium"
)

type TicketStatus string

const TicketOpen TicketStatus = "open"

// Reasons that put money at risk and get high priority.
const (
	ReasonInsufficientFunds    = "insufficient_funds"
	ReasonAuthorizationExpired = "authorization_expired"
	ReasonCaptureFailed        = "capture_failed"
	ReasonRefundFailed         = "refund_failed"
)

// PriorityFor returns high for funds-related reasons and medium otherwise.
func PriorityFor(reason string) TicketPriority {
	switch reason {
	case ReasonInsufficientFunds, ReasonAuthorizationExpired, ReasonCaptureFailed, ReasonRefundFailed:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// ReviewRequest asks the client to rate a completed consultation.
// At most one exists per session.
type ReviewRequest struct {
	ID          string       `json:"id" db:"id"`
	SessionID   string       `json:"session_id" db:"session_id"`
	ClientID    string       `json:"client_id" db:"client_id"`
	ProviderID  string       `json:"provider_id" db:"provider_id"`
	ServiceType string       `json:"service_type" db:"service_type"`
	Status      ReviewStatus `json:"status" db:"status"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

type ReviewStatus string

const ReviewPending ReviewStatus = "pending"
