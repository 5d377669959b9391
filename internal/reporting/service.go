package reporting

import (
	"context"
	"errors"
	"strings"
	"time"

	"consultline/internal/audit"
	"consultline/internal/payments"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// PaymentSource lists payments for a filter.
type PaymentSource interface {
	List(ctx context.Context, f payments.Filter) ([]payments.Payment, error)
}

// AttemptSource lists call records in a time range.
type AttemptSource interface {
	List(ctx context.Context, from, to time.Time) ([]audit.Record, error)
}

type Service struct {
	payments PaymentSource
	attempts AttemptSource
}

func NewService(p PaymentSource, a AttemptSource) *Service {
	return &Service{payments: p, attempts: a}
}

func validRange(r TimeRange) bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

func (s *Service) PaymentStatistics(ctx context.Context, req PaymentStatisticsRequest) (PaymentStatistics, error) {
	if !validRange(req.Range) {
		return PaymentStatistics{}, ErrInvalidRequest
	}
	if s.payments == nil {
		return PaymentStatistics{}, errors.New("reporting: payment source not configured")
	}

	rows, err := s.payments.List(ctx, payments.Filter{
		From:       req.Range.From,
		To:         req.Range.To,
		Statuses:   req.Statuses,
		ClientID:   req.ClientID,
		ProviderID: req.ProviderID,
	})
	if err != nil {
		return PaymentStatistics{}, err
	}

	currency := strings.ToLower(req.Currency)
	out := PaymentStatistics{Currency: currency}
	for _, p := range rows {
		if currency != "" && p.Currency != currency {
			continue
		}
		if out.Currency == "" {
			out.Currency = p.Currency
		}
		out.TotalPayments++

		switch p.Status {
		case payments.StatusSucceeded, payments.StatusCaptured:
			out.CapturedCount++
			out.RevenueMinor += p.AmountMinor
			out.CommissionMinor += p.CommissionMinor
			out.ProviderEarningsMinor += p.ProviderMinor
		case payments.StatusRefunded, payments.StatusPartiallyRefunded:
			// Refunds never count as revenue, even partial ones.
			out.RefundedCount++
			out.RefundedMinor += p.RefundedMinor
		case payments.StatusCanceled:
			out.CanceledCount++
		case payments.StatusFailed:
			out.FailedCount++
		default:
			out.PendingCount++
		}
	}
	if out.CapturedCount > 0 {
		out.AverageTicketMinor = out.RevenueMinor / int64(out.CapturedCount)
	}
	if out.Currency == "" {
		out.Currency = "UNKNOWN"
	}
	return out, nil
}

func (s *Service) AttemptsSummary(ctx context.Context, r TimeRange) (AttemptsSummary, error) {
	if !validRange(r) {
		return AttemptsSummary{}, ErrInvalidRequest
	}
	if s.attempts == nil {
		return AttemptsSummary{}, errors.New("reporting: attempt source not configured")
	}

	recs, err := s.attempts.List(ctx, r.From, r.To)
	if err != nil {
		return AttemptsSummary{}, err
	}

	var out AttemptsSummary
	sessions := map[string]struct{}{}
	for _, rec := range recs {
		sessions[rec.SessionID] = struct{}{}
		switch rec.Event {
		case audit.EventAttemptStarted:
			out.Attempts++
		case audit.EventAttemptConnected:
			out.Connected++
		case audit.EventAttemptFailed:
			out.FailedAttempts++
		case audit.EventParticipantExhausted:
			if rec.Role == "provider" {
				out.ExhaustedProviders++
			} else {
				out.ExhaustedClients++
			}
		case audit.EventSessionCompleted:
			out.CompletedSessions++
		case audit.EventSessionFailed:
			out.FailedSessions++
		}
	}
	out.Sessions = len(sessions)
	if out.Attempts > 0 {
		out.ConnectionRate = float64(out.Connected) / float64(out.Attempts)
	}
	return out, nil
}
