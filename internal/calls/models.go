package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"consultline/internal/apperr"
	"consultline/internal/audit"
	"consultline/internal/finance"
	"consultline/internal/payments"
	"consultline/internal/sessions"
)

// Saga timing. Tests depend on these exact values.
const (
	MaxAttempts        = 3
	PollInterval       = 3 * time.Second
	ConnectTimeout     = 45 * time.Second
	RetryDelay         = 15 * time.Second
	MinBillableSeconds = 120

	// DefaultStartDelay is how long after booking the saga starts.
	DefaultStartDelay = 5 * time.Minute
)

// Failure reasons written to sessions and finance tickets.
const (
	ReasonProviderNoAnswer = "provider_no_answer"
	ReasonClientNoAnswer   = "client_no_answer"
	ReasonDialError        = "dial_error"
	ReasonTooShort         = "call_too_short"
	ReasonNotCapturable    = "capture_conditions_not_met"
	ReasonCancelled        = "cancelled_by_user"
	ReasonScheduleFailed   = "schedule_failed"
	ReasonProviderHungUp   = "provider_hung_up_before_bridge"
	ReasonCaptureConflict  = "capture_state_conflict"
	ReasonCancelFailed     = "cancel_failed"
)

var (
	// ErrSessionClosed stops a dial loop once the session went terminal.
	ErrSessionClosed = errors.New("calls: session is closed")
	// ErrNotAuthorized means the payment is no longer held for this session.
	ErrNotAuthorized = fmt.Errorf("session payment is not authorized: %w", apperr.ErrPrecondition)

	errNotConnected = errors.New("calls: participant did not connect")
	errInvalidLeg   = errors.New("calls: invalid dial instructions")
)

// CreateSessionParams is everything needed to open a session whose payment
// was already authorized.
type CreateSessionParams struct {
	SessionID       string                `json:"sessionId" validate:"required,max=128"`
	ProviderID      string                `json:"providerId" validate:"required"`
	ClientID        string                `json:"clientId" validate:"required,nefield=ProviderID"`
	ProviderPhone   string                `json:"providerPhone" validate:"required"`
	ClientPhone     string                `json:"clientPhone" validate:"required"`
	PaymentIntentID string                `json:"paymentIntentId" validate:"required"`
	AmountMinor     int64                 `json:"amount" validate:"gt=0"`
	Currency        string                `json:"currency" validate:"required,len=3"`
	ServiceType     sessions.ServiceType  `json:"serviceType" validate:"required,oneof=lawyer_call expat_call"`
	ProviderType    sessions.ProviderType `json:"providerType" validate:"required,oneof=lawyer expat"`
	Language        string                `json:"language,omitempty" validate:"omitempty,oneof=fr en es de"`
}

// PaymentSettler is the settlement surface the saga needs.
// *payments.Service implements it.
type PaymentSettler interface {
	Get(ctx context.Context, intentID string) (payments.Payment, error)
	ConfirmAuthorized(ctx context.Context, intentID string) (payments.Payment, error)
	CapturePayment(ctx context.Context, intentID string) (payments.Payment, error)
	RefundPayment(ctx context.Context, intentID string, amountMinor int64, reason string) (payments.Payment, error)
	CancelPayment(ctx context.Context, intentID, reason string) (payments.Payment, error)
	MarkFailed(ctx context.Context, intentID, reason string) (payments.Payment, error)
}

// AttemptLog is the append-only call-record log.
type AttemptLog interface {
	LogAttempt(ctx context.Context, sessionID, role string, ev audit.EventType, attempt int, callSID, message string) error
	LogSession(ctx context.Context, sessionID string, ev audit.EventType, message string, metadata map[string]any) error
}

// FinanceDesk receives anomaly tickets and review requests.
type FinanceDesk interface {
	OpenTicket(ctx context.Context, req finance.TicketRequest) (finance.Ticket, error)
	RequestReview(ctx context.Context, sessionID, clientID, providerID, serviceType string) (bool, error)
}

// TaskScheduler defers the saga start.
type TaskScheduler interface {
	ScheduleCallTask(ctx context.Context, sessionID string, delay time.Duration) (string, error)
	CancelCallTask(ctx context.Context, taskID string) error
}

// ShouldCapturePayment reports whether the session's authorization may be
// captured. Callers must pass freshly read state.
func ShouldCapturePayment(s sessions.CallSession) bool {
	return reachedConnected(s.Participants.Provider) &&
		reachedConnected(s.Participants.Client) &&
		s.Conference.StartedAt != nil &&
		s.Conference.Duration >= MinBillableSeconds &&
		s.Payment.Status == sessions.PaymentAuthorized
}

// A participant that hung up after connecting still counts as connected.
func reachedConnected(p sessions.Participant) bool {
	return p.Status == sessions.ParticipantConnected || p.ConnectedAt != nil
}

// BridgedAt is when both parties were first in the call together: the later
// connection time, or the conference start when either is unknown.
func BridgedAt(s sessions.CallSession) *time.Time {
	p, c := s.Participants.Provider.ConnectedAt, s.Participants.Client.ConnectedAt
	if p != nil && c != nil {
		if c.After(*p) {
			return c
		}
		return p
	}
	return s.Conference.StartedAt
}

// BilledSeconds is the billable length of a session's call: from BridgedAt
// to the first hang-up after it, or to end when nobody has left yet. A
// positive reported duration from the telephony provider caps the result;
// it is used as is when the bridge time is unknown. Every settlement path
// bills through this function so the outcome does not depend on which
// event arrives first.
func BilledSeconds(s sessions.CallSession, end time.Time, reported int) int {
	start := BridgedAt(s)
	if start == nil {
		return max(reported, 0)
	}
	for _, p := range []sessions.Participant{s.Participants.Provider, s.Participants.Client} {
		if p.DisconnectedAt != nil && p.DisconnectedAt.After(*start) && p.DisconnectedAt.Before(end) {
			end = *p.DisconnectedAt
		}
	}
	d := max(int(end.Sub(*start).Seconds()), 0)
	if reported > 0 && reported < d {
		return reported
	}
	return d
}
