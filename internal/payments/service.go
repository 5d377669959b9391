package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"consultline/internal/apperr"
	"consultline/internal/metrics"
	"consultline/internal/pricing"
	"consultline/pkg/logger"
	"consultline/pkg/validate"

	"github.com/google/uuid"
)

// Amount bounds in minor units.
const (
	MinAmountMinor int64 = 500
	MaxAmountMinor int64 = 50000
)

// Service is the only component that talks to the payment gateway.
//
// Money invariants:
// - Every state change re-reads the gateway before acting.
// - Record updates run under the repository's per-intent lock.
// - Capture, cancel and refund are idempotent on an already settled record.
type Service struct {
	repo    Repository
	parties PartyDirectory
	gateway Gateway
	metrics *metrics.Metrics
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(repo Repository, parties PartyDirectory, gateway Gateway, m *metrics.Metrics) *Service {
	return &Service{repo: repo, parties: parties, gateway: gateway, metrics: m, clock: time.Now}
}

type CreateIntentRequest struct {
	SessionID       string `json:"sessionId" validate:"required"`
	ClientID        string `json:"clientId" validate:"required"`
	ProviderID      string `json:"providerId" validate:"required,nefield=ClientID"`
	AmountMinor     int64  `json:"amount" validate:"required"`
	CommissionMinor int64  `json:"commissionAmount" validate:"gte=0"`
	ProviderMinor   int64  `json:"providerAmount" validate:"gte=0"`
	Currency        string `json:"currency" validate:"required,len=3"`
	Description     string `json:"description,omitempty"`
}

type CreateIntentResult struct {
	Payment      Payment `json:"payment"`
	ClientSecret string  `json:"clientSecret"`
}

// CreatePaymentIntent validates the booking amounts and parties, then
// authorizes in manual-capture mode and persists the record.
func (s *Service) CreatePaymentIntent(ctx context.Context, req CreateIntentRequest) (CreateIntentResult, error) {
	req.Currency = strings.ToLower(strings.TrimSpace(req.Currency))
	if err := validate.Struct(req); err != nil {
		return CreateIntentResult{}, err
	}
	if req.AmountMinor < MinAmountMinor || req.AmountMinor > MaxAmountMinor {
		return CreateIntentResult{}, apperr.Validation("amount %d outside [%d, %d]", req.AmountMinor, MinAmountMinor, MaxAmountMinor)
	}
	if !pricing.Reconciles(req.AmountMinor, req.CommissionMinor, req.ProviderMinor) {
		return CreateIntentResult{}, apperr.Integrity("commission %d + provider share %d does not reconcile to amount %d",
			req.CommissionMinor, req.ProviderMinor, req.AmountMinor)
	}

	if existing, ok, err := s.repo.FindInFlight(ctx, req.ClientID, req.ProviderID); err != nil {
		return CreateIntentResult{}, err
	} else if ok {
		return CreateIntentResult{}, apperr.Conflict("payment %s already in flight for this client and provider", existing.IntentID)
	}

	for _, id := range []string{req.ClientID, req.ProviderID} {
		st, err := s.parties.Standing(ctx, id)
		if err != nil {
			return CreateIntentResult{}, err
		}
		if st != PartyActive {
			return CreateIntentResult{}, apperr.Precondition("party %s is %s", id, st)
		}
	}

	in, err := s.gateway.Authorize(ctx, AuthorizeRequest{
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		Description:    req.Description,
		IdempotencyKey: "pi_create_" + req.SessionID,
		Metadata: map[string]string{
			"sessionId":  req.SessionID,
			"clientId":   req.ClientID,
			"providerId": req.ProviderID,
		},
	})
	s.metrics.PaymentOp("authorize", err)
	if err != nil {
		return CreateIntentResult{}, apperr.External("payment gateway", err)
	}

	now := s.clock().UTC()
	p := Payment{
		ID:              uuid.NewString(),
		IntentID:        in.ID,
		SessionID:       req.SessionID,
		ClientID:        req.ClientID,
		ProviderID:      req.ProviderID,
		AmountMinor:     req.AmountMinor,
		CommissionMinor: req.CommissionMinor,
		ProviderMinor:   req.ProviderMinor,
		Currency:        req.Currency,
		Status:          in.Status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Insert(ctx, p); err != nil {
		return CreateIntentResult{}, err
	}

	logger.From(ctx).Info("payment intent created", "intent_id", in.ID, "session_id", req.SessionID, "status", in.Status)
	return CreateIntentResult{Payment: p, ClientSecret: in.ClientSecret}, nil
}

// ConfirmAuthorized syncs the record from the gateway and fails unless the
// intent is waiting for capture.
func (s *Service) ConfirmAuthorized(ctx context.Context, intentID string) (Payment, error) {
	var out Payment
	err := s.repo.WithLocked(ctx, intentID, func(ctx context.Context, p *Payment) error {
		in, err := s.gateway.Get(ctx, intentID)
		if err != nil {
			return apperr.External("payment gateway", err)
		}
		if p.Status.InFlight() && in.Status != p.Status {
			p.Status = in.Status
			p.UpdatedAt = s.clock().UTC()
		}
		out = *p
		if in.Status != StatusRequiresCapture {
			return apperr.Precondition("payment %s is %s, not authorized", intentID, in.Status)
		}
		return nil
	})
	return out, err
}

func (s *Service) Get(ctx context.Context, intentID string) (Payment, error) {
	return s.repo.GetByIntent(ctx, intentID)
}

// CapturePayment captures the full authorized amount. Capturing an already
// captured payment returns it unchanged.
func (s *Service) CapturePayment(ctx context.Context, intentID string) (Payment, error) {
	var out Payment
	err := s.repo.WithLocked(ctx, intentID, func(ctx context.Context, p *Payment) error {
		if p.Status == StatusCaptured || p.Status == StatusSucceeded {
			out = *p
			return nil
		}
		if !p.Status.InFlight() {
			return apperr.Precondition("cannot capture payment %s in state %s", intentID, p.Status)
		}

		in, err := s.gateway.Get(ctx, intentID)
		if err != nil {
			return apperr.External("payment gateway", err)
		}
		switch in.Status {
		case StatusSucceeded:
			// Captured out of band; mirror it.
		case StatusRequiresCapture:
			if _, err := s.gateway.Capture(ctx, intentID, 0); err != nil {
				return apperr.External("payment gateway", err)
			}
		default:
			return apperr.Precondition("cannot capture payment %s in gateway state %s", intentID, in.Status)
		}

		now := s.clock().UTC()
		p.Status = StatusCaptured
		p.CapturedAt = &now
		p.UpdatedAt = now
		out = *p
		return nil
	})
	s.metrics.PaymentOp("capture", err)
	return out, err
}

// RefundPayment refunds amountMinor, or the remaining captured amount when
// amountMinor is zero. A request within one minor unit of the remaining
// amount is treated as a full refund; anything larger is rejected.
func (s *Service) RefundPayment(ctx context.Context, intentID string, amountMinor int64, reason string) (Payment, error) {
	if amountMinor < 0 {
		return Payment{}, apperr.Validation("refund amount must not be negative")
	}

	var out Payment
	err := s.repo.WithLocked(ctx, intentID, func(ctx context.Context, p *Payment) error {
		if p.Status == StatusRefunded {
			out = *p
			return nil
		}
		if !p.Status.Refundable() {
			return apperr.Precondition("cannot refund payment %s in state %s", intentID, p.Status)
		}

		in, err := s.gateway.Get(ctx, intentID)
		if err != nil {
			return apperr.External("payment gateway", err)
		}
		if in.Status != StatusSucceeded {
			return apperr.Precondition("cannot refund payment %s in gateway state %s", intentID, in.Status)
		}

		captured := in.AmountReceived
		if captured <= 0 {
			captured = p.AmountMinor
		}
		remaining := captured - p.RefundedMinor
		amount, err := refundAmount(amountMinor, remaining)
		if err != nil {
			return err
		}

		key := "re_" + intentID + "_" + reasonKey(reason, p.RefundedMinor)
		if _, err := s.gateway.Refund(ctx, intentID, amount, key); err != nil {
			return apperr.External("payment gateway", err)
		}

		now := s.clock().UTC()
		p.RefundedMinor += amount
		p.Status = StatusPartiallyRefunded
		if p.RefundedMinor >= captured {
			p.Status = StatusRefunded
		}
		p.RefundedAt = &now
		p.UpdatedAt = now
		out = *p
		return nil
	})
	s.metrics.PaymentOp("refund", err)
	return out, err
}

func refundAmount(requested, remaining int64) (int64, error) {
	if remaining <= 0 {
		return 0, apperr.Precondition("nothing left to refund")
	}
	if requested == 0 {
		return remaining, nil
	}
	diff := requested - remaining
	if diff < 0 {
		diff = -diff
	}
	if diff <= pricing.RoundingTolerance {
		return remaining, nil
	}
	if requested > remaining {
		return 0, apperr.Validation("refund amount %d exceeds refundable %d", requested, remaining)
	}
	return requested, nil
}

func reasonKey(reason string, already int64) string {
	r := strings.ReplaceAll(strings.TrimSpace(reason), " ", "_")
	if r == "" {
		r = "refund"
	}
	if already > 0 {
		return r + "_" + uuid.NewString()
	}
	return r
}

// CancelPayment releases an uncaptured authorization.
func (s *Service) CancelPayment(ctx context.Context, intentID, reason string) (Payment, error) {
	var out Payment
	err := s.repo.WithLocked(ctx, intentID, func(ctx context.Context, p *Payment) error {
		if p.Status == StatusCanceled {
			out = *p
			return nil
		}
		// A failed record may still hold a live authorization at the gateway.
		if !p.Status.Cancelable() && p.Status != StatusFailed {
			return apperr.Precondition("cannot cancel payment %s in state %s", intentID, p.Status)
		}

		in, err := s.gateway.Get(ctx, intentID)
		if err != nil {
			return apperr.External("payment gateway", err)
		}
		switch {
		case in.Status == StatusCanceled:
		case in.Status.Cancelable():
			if _, err := s.gateway.Cancel(ctx, intentID, gatewayCancelReason(reason)); err != nil {
				return apperr.External("payment gateway", err)
			}
		default:
			return apperr.Precondition("cannot cancel payment %s in gateway state %s", intentID, in.Status)
		}

		now := s.clock().UTC()
		p.Status = StatusCanceled
		p.CanceledAt = &now
		p.UpdatedAt = now
		if reason != "" {
			p.FailureReason = reason
		}
		out = *p
		return nil
	})
	s.metrics.PaymentOp("cancel", err)
	return out, err
}

// The gateway only accepts a fixed set of cancellation reasons.
func gatewayCancelReason(reason string) string {
	switch reason {
	case "duplicate", "fraudulent", "requested_by_customer", "abandoned":
		return reason
	default:
		return "abandoned"
	}
}

// MarkFailed records a payment anomaly. Settled payments are left as is.
func (s *Service) MarkFailed(ctx context.Context, intentID, reason string) (Payment, error) {
	var out Payment
	err := s.repo.WithLocked(ctx, intentID, func(ctx context.Context, p *Payment) error {
		if !p.Status.Settled() && p.Status != StatusCanceled {
			p.Status = StatusFailed
			p.FailureReason = reason
			p.UpdatedAt = s.clock().UTC()
		}
		out = *p
		return nil
	})
	return out, err
}

// GatewayEvent is a payment status push from the gateway.
type GatewayEvent struct {
	ID            string
	Type          string
	IntentID      string
	Status        Status
	FailureReason string
}

const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"
)

var ErrUnhandledEvent = errors.New("payments: unhandled gateway event")

// ApplyGatewayEvent mirrors a gateway push into the payment record without
// moving a locally settled status backwards.
func (s *Service) ApplyGatewayEvent(ctx context.Context, ev GatewayEvent) (Payment, error) {
	var out Payment
	err := s.repo.WithLocked(ctx, ev.IntentID, func(ctx context.Context, p *Payment) error {
		now := s.clock().UTC()
		switch ev.Type {
		case EventIntentSucceeded:
			if !p.Status.Settled() {
				p.Status = StatusSucceeded
				if p.CapturedAt == nil {
					p.CapturedAt = &now
				}
				p.UpdatedAt = now
			}
		case EventIntentFailed:
			if !p.Status.Settled() {
				p.Status = StatusFailed
				p.FailureReason = ev.FailureReason
				p.UpdatedAt = now
			}
		case EventIntentCanceled:
			if !p.Status.Settled() && p.Status != StatusCanceled {
				p.Status = StatusCanceled
				p.CanceledAt = &now
				p.UpdatedAt = now
			}
		default:
			return ErrUnhandledEvent
		}
		out = *p
		return nil
	})
	return out, err
}

// List returns payments matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]Payment, error) {
	return s.repo.List(ctx, f)
}
