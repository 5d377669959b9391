package finance

import (
	"context"
	"database/sql"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) InsertTicket(ctx context.Context, t Ticket) error {
	const q = `
INSERT INTO finance_tickets (
  id, session_id, payment_intent_id, reason, priority, status, amount_minor, currency, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err := r.db.ExecContext(ctx, q,
		t.ID,
		t.SessionID,
		t.PaymentIntentID,
		t.Reason,
		t.Priority,
		t.Status,
		t.AmountMinor,
		t.Currency,
		t.CreatedAt,
	)
	return err
}

// InsertReview relies on UNIQUE (session_id).
func (r *PostgresRepo) InsertReview(ctx context.Context, rv ReviewRequest) (bool, error) {
	const q = `
INSERT INTO review_requests (id, session_id, client_id, provider_id, service_type, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (session_id) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q,
		rv.ID,
		rv.SessionID,
		rv.ClientID,
		rv.ProviderID,
		rv.ServiceType,
		rv.Status,
		rv.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) TicketsForSession(ctx context.Context, sessionID string) ([]Ticket, error) {
	const q = `
SELECT id, session_id, payment_intent_id, reason, priority, status, amount_minor, currency, created_at
FROM finance_tickets
WHERE session_id = $1
ORDER BY created_at
`
	rows, err := r.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Ticket, 0)
	for rows.Next() {
		var t Ticket
		if err := rows.Scan(
			&t.ID,
			&t.SessionID,
			&t.PaymentIntentID,
			&t.Reason,
			&t.Priority,
			&t.Status,
			&t.AmountMinor,
			&t.Currency,
			&t.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
