package audit

import (
	"context"
	"database/sql"
	"time"
)

// PostgresRepo writes to call_records. The table has no UPDATE/DELETE grants
// for the application role.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO call_records (
  id, session_id, role, event, attempt, call_sid,
  actor_user_id, actor_role, ip_address, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,'')::jsonb,$12
)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.SessionID,
		rec.Role,
		rec.Event,
		rec.Attempt,
		rec.CallSID,
		rec.ActorUserID,
		rec.ActorRole,
		rec.IPAddress,
		rec.Message,
		rec.Metadata,
		rec.CreatedAt,
	)
	return err
}

const recordColumns = `id, session_id, role, event, attempt, call_sid,
       actor_user_id, actor_role, ip_address, message, COALESCE(metadata::text, ''), created_at`

func (r *PostgresRepo) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE session_id = $1 ORDER BY created_at, attempt`
	return r.query(ctx, q, sessionID)
}

func (r *PostgresRepo) List(ctx context.Context, from, to time.Time) ([]Record, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at`
	return r.query(ctx, q, from, to)
}

func (r *PostgresRepo) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.Role,
			&rec.Event,
			&rec.Attempt,
			&rec.CallSID,
			&rec.ActorUserID,
			&rec.ActorRole,
			&rec.IPAddress,
			&rec.Message,
			&rec.Metadata,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
