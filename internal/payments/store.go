package payments

import (
	"context"
	"fmt"

	"consultline/internal/apperr"
)

var (
	ErrNotFound      = fmt.Errorf("payment %w", apperr.ErrNotFound)
	ErrPartyNotFound = fmt.Errorf("party %w", apperr.ErrNotFound)
)

// Repository persists payment records.
//
// WithLocked serializes state changes per intent: fn runs while the record is
// locked and the mutated record is written back only when fn returns nil.
type Repository interface {
	Insert(ctx context.Context, p Payment) error
	GetByIntent(ctx context.Context, intentID string) (Payment, error)
	FindInFlight(ctx context.Context, clientID, providerID string) (Payment, bool, error)
	WithLocked(ctx context.Context, intentID string, fn func(ctx context.Context, p *Payment) error) error
	List(ctx context.Context, f Filter) ([]Payment, error)
}

// PartyDirectory reports the standing of clients and providers.
type PartyDirectory interface {
	Standing(ctx context.Context, partyID string) (PartyStatus, error)
}
