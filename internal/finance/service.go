package finance

import (
	"context"
	"errors"
	"time"

	"consultline/pkg/logger"

	"github.com/google/uuid"
)

// Repository persists tickets and review requests.
// InsertReview reports false when the session already has one.
type Repository interface {
	InsertTicket(ctx context.Context, t Ticket) error
	InsertReview(ctx context.Context, r ReviewRequest) (bool, error)
	TicketsForSession(ctx context.Context, sessionID string) ([]Ticket, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidTicket = errors.New("finance: invalid ticket")

type TicketRequest struct {
	SessionID       string
	PaymentIntentID string
	Reason          string
	AmountMinor     int64
	Currency        string
}

// OpenTicket files a payment anomaly for manual reconciliation.
func (s *Service) OpenTicket(ctx context.Context, req TicketRequest) (Ticket, error) {
	if req.SessionID == "" || req.Reason == "" {
		return Ticket{}, ErrInvalidTicket
	}
	t := Ticket{
		ID:              uuid.NewString(),
		SessionID:       req.SessionID,
		PaymentIntentID: req.PaymentIntentID,
		Reason:          req.Reason,
		Priority:        PriorityFor(req.Reason),
		Status:          TicketOpen,
		AmountMinor:     req.AmountMinor,
		Currency:        req.Currency,
		CreatedAt:       s.clock().UTC(),
	}
	if err := s.repo.InsertTicket(ctx, t); err != nil {
		return Ticket{}, err
	}
	logger.From(ctx).Warn("finance ticket opened",
		"ticket_id", t.ID,
		"session_id", t.SessionID,
		"reason", t.Reason,
		"priority", t.Priority,
	)
	return t, nil
}

// RequestReview creates the review request for a session once. Repeated
// calls are no-ops.
func (s *Service) RequestReview(ctx context.Context, sessionID, clientID, providerID, serviceType string) (bool, error) {
	if sessionID == "" {
		return false, errors.New("finance: session id required")
	}
	return s.repo.InsertReview(ctx, ReviewRequest{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		ClientID:    clientID,
		ProviderID:  providerID,
		ServiceType: serviceType,
		Status:      ReviewPending,
		CreatedAt:   s.clock().UTC(),
	})
}

func (s *Service) TicketsForSession(ctx context.Context, sessionID string) ([]Ticket, error) {
	return s.repo.TicketsForSession(ctx, sessionID)
}
