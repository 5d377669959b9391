package sessions

import (
	"context"
	"fmt"
	"time"

	"consultline/internal/apperr"
)

var (
	ErrNotFound      = fmt.Errorf("call session %w", apperr.ErrNotFound)
	ErrAlreadyExists = fmt.Errorf("call session already exists: %w", apperr.ErrConflict)
)

// Store is the persistence contract for call sessions.
//
// Rules:
// - Mutations go through Update/UpdateIf with a narrow field set, never a whole-record replace.
// - UpdateIf is the compare-and-set primitive for status and payment transitions.
// - UpdatedAt is maintained by the store.
type Store interface {
	Create(ctx context.Context, s CallSession) error
	Get(ctx context.Context, id string) (CallSession, error)
	FindByCallSID(ctx context.Context, callSID string) (CallSession, error)
	// FindByConference matches the conference sid first, then the generated name.
	FindByConference(ctx context.Context, conferenceSID, name string) (CallSession, error)
	FindByPaymentIntent(ctx context.Context, intentID string) (CallSession, error)

	Update(ctx context.Context, id string, u *Update) error
	// UpdateIf applies u only when the stored record matches g. It reports
	// whether the write happened.
	UpdateIf(ctx context.Context, id string, g Guard, u *Update) (bool, error)

	// DeleteTerminalBefore removes sessions in one of statuses whose last
	// update is older than before.
	DeleteTerminalBefore(ctx context.Context, statuses []Status, before time.Time) (int64, error)
}
