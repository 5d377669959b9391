package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"consultline/internal/apperr"
	"consultline/pkg/utils"
)

// NOTE: This repository assumes the following tables exist:
// - payments (UNIQUE intent_id)
// - parties
//
// See migrations/000001_init.up.sql.

const paymentColumns = `id, intent_id, session_id, client_id, provider_id,
       amount_minor, commission_minor, provider_minor, refunded_minor, currency,
       status, failure_reason, created_at, updated_at, captured_at, canceled_at, refunded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (Payment, error) {
	var p Payment
	if err := row.Scan(
		&p.ID,
		&p.IntentID,
		&p.SessionID,
		&p.ClientID,
		&p.ProviderID,
		&p.AmountMinor,
		&p.CommissionMinor,
		&p.ProviderMinor,
		&p.RefundedMinor,
		&p.Currency,
		&p.Status,
		&p.FailureReason,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.CapturedAt,
		&p.CanceledAt,
		&p.RefundedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, err
	}
	return p, nil
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Insert(ctx context.Context, p Payment) error {
	const q = `
INSERT INTO payments (
  id, intent_id, session_id, client_id, provider_id,
  amount_minor, commission_minor, provider_minor, refunded_minor, currency,
  status, failure_reason, created_at, updated_at, captured_at, canceled_at, refunded_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
)
`
	_, err := r.db.ExecContext(ctx, q,
		p.ID,
		p.IntentID,
		p.SessionID,
		p.ClientID,
		p.ProviderID,
		p.AmountMinor,
		p.CommissionMinor,
		p.ProviderMinor,
		p.RefundedMinor,
		p.Currency,
		p.Status,
		p.FailureReason,
		p.CreatedAt,
		p.UpdatedAt,
		p.CapturedAt,
		p.CanceledAt,
		p.RefundedAt,
	)
	if utils.IsUniqueViolation(err) {
		return fmt.Errorf("payment for intent %s already recorded: %w", p.IntentID, apperr.ErrConflict)
	}
	return err
}

func (r *PostgresRepo) GetByIntent(ctx context.Context, intentID string) (Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE intent_id = $1`
	return scanPayment(r.db.QueryRowContext(ctx, q, intentID))
}

func (r *PostgresRepo) FindInFlight(ctx context.Context, clientID, providerID string) (Payment, bool, error) {
	q := `SELECT ` + paymentColumns + `
FROM payments
WHERE client_id = $1 AND provider_id = $2 AND status = ANY($3)
ORDER BY created_at DESC
LIMIT 1`
	p, err := scanPayment(r.db.QueryRowContext(ctx, q, clientID, providerID, statusStrings(InFlightStatuses)))
	if errors.Is(err, ErrNotFound) {
		return Payment{}, false, nil
	}
	if err != nil {
		return Payment{}, false, err
	}
	return p, true, nil
}

func (r *PostgresRepo) WithLocked(ctx context.Context, intentID string, fn func(ctx context.Context, p *Payment) error) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the payment row to serialize gateway calls per intent.
		q := `SELECT ` + paymentColumns + ` FROM payments WHERE intent_id = $1 FOR UPDATE`
		p, err := scanPayment(tx.QueryRowContext(ctx, q, intentID))
		if err != nil {
			return err
		}
		before := p
		if err := fn(ctx, &p); err != nil {
			return err
		}
		if p == before {
			return nil
		}
		const upd = `
UPDATE payments
SET status = $2, failure_reason = $3, refunded_minor = $4,
    captured_at = $5, canceled_at = $6, refunded_at = $7, updated_at = $8
WHERE intent_id = $1
`
		_, err = tx.ExecContext(ctx, upd,
			intentID,
			p.Status,
			p.FailureReason,
			p.RefundedMinor,
			p.CapturedAt,
			p.CanceledAt,
			p.RefundedAt,
			p.UpdatedAt,
		)
		return err
	})
}

func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Payment, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	if f.ClientID != "" {
		add("client_id = $%d", f.ClientID)
	}
	if f.ProviderID != "" {
		add("provider_id = $%d", f.ProviderID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusStrings(f.Statuses))
	}

	q := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// PostgresParties reads party standing from the parties table.
type PostgresParties struct {
	db *sql.DB
}

func NewPostgresParties(db *sql.DB) *PostgresParties { return &PostgresParties{db: db} }

func (r *PostgresParties) Standing(ctx context.Context, partyID string) (PartyStatus, error) {
	const q = `SELECT status FROM parties WHERE id = $1`
	var st PartyStatus
	if err := r.db.QueryRowContext(ctx, q, partyID).Scan(&st); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrPartyNotFound
		}
		return "", err
	}
	return st, nil
}
