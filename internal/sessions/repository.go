package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"consultline/pkg/utils"
)

// NOTE: This repository assumes the call_sessions table from migrations/.
// Participant, conference and payment sub-records are flattened into columns
// so every Field maps to exactly one column.

const selectColumns = `
id, status, failure_reason, completed_at,
provider_phone, provider_status, provider_call_sid, provider_connected_at, provider_disconnected_at, provider_attempt_count,
client_phone, client_status, client_call_sid, client_connected_at, client_disconnected_at, client_attempt_count,
conference_sid, conference_name, conference_started_at, conference_ended_at, conference_duration,
recording_url, recording_sid, recording_status, recording_duration,
payment_intent_id, payment_status, payment_amount, payment_currency, payment_captured_at, payment_refunded_at, payment_failure_reason,
provider_id, client_id, service_type, provider_type, max_duration, language, task_id, created_at, updated_at`

type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

func (r *PostgresRepo) Create(ctx context.Context, s CallSession) error {
	const q = `
INSERT INTO call_sessions (
  id, status, provider_phone, provider_status, client_phone, client_status,
  conference_name, payment_intent_id, payment_status, payment_amount, payment_currency,
  provider_id, client_id, service_type, provider_type, max_duration, language, task_id,
  created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
)
`
	_, err := r.db.ExecContext(ctx, q,
		s.ID,
		string(s.Status),
		s.Participants.Provider.Phone,
		string(s.Participants.Provider.Status),
		s.Participants.Client.Phone,
		string(s.Participants.Client.Status),
		s.Conference.Name,
		s.Payment.IntentID,
		string(s.Payment.Status),
		s.Payment.Amount,
		s.Payment.Currency,
		s.Metadata.ProviderID,
		s.Metadata.ClientID,
		string(s.Metadata.ServiceType),
		string(s.Metadata.ProviderType),
		s.Metadata.MaxDuration,
		s.Metadata.Language,
		s.Metadata.TaskID,
		s.Metadata.CreatedAt.UTC(),
		s.Metadata.UpdatedAt.UTC(),
	)
	if err != nil {
		if utils.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (CallSession, error) {
	return r.queryOne(ctx, `SELECT `+selectColumns+` FROM call_sessions WHERE id = $1`, id)
}

func (r *PostgresRepo) FindByCallSID(ctx context.Context, callSID string) (CallSession, error) {
	if callSID == "" {
		return CallSession{}, ErrNotFound
	}
	return r.queryOne(ctx, `SELECT `+selectColumns+` FROM call_sessions
WHERE provider_call_sid = $1 OR client_call_sid = $1
ORDER BY created_at DESC LIMIT 1`, callSID)
}

func (r *PostgresRepo) FindByConference(ctx context.Context, conferenceSID, name string) (CallSession, error) {
	if conferenceSID != "" {
		s, err := r.queryOne(ctx, `SELECT `+selectColumns+` FROM call_sessions WHERE conference_sid = $1 LIMIT 1`, conferenceSID)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return s, err
		}
	}
	if name == "" {
		return CallSession{}, ErrNotFound
	}
	return r.queryOne(ctx, `SELECT `+selectColumns+` FROM call_sessions WHERE conference_name = $1 LIMIT 1`, name)
}

func (r *PostgresRepo) FindByPaymentIntent(ctx context.Context, intentID string) (CallSession, error) {
	if intentID == "" {
		return CallSession{}, ErrNotFound
	}
	return r.queryOne(ctx, `SELECT `+selectColumns+` FROM call_sessions WHERE payment_intent_id = $1 LIMIT 1`, intentID)
}

func (r *PostgresRepo) Update(ctx context.Context, id string, u *Update) error {
	ok, err := r.UpdateIf(ctx, id, Guard{}, u)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// UpdateIf issues a single UPDATE whose WHERE clause carries the guard, so
// the check and the write are one atomic statement.
func (r *PostgresRepo) UpdateIf(ctx context.Context, id string, g Guard, u *Update) (bool, error) {
	if u.Empty() {
		s, err := r.Get(ctx, id)
		if err != nil {
			return false, err
		}
		return g.Matches(s), nil
	}

	var (
		sets []string
		args []any
	)
	for _, a := range u.sets {
		args = append(args, sqlValue(a.value))
		sets = append(sets, fmt.Sprintf("%s = $%d", a.path.Column(), len(args)))
	}
	args = append(args, r.clock().UTC())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))

	args = append(args, id)
	where := []string{fmt.Sprintf("id = $%d", len(args))}
	if len(g.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(&args, statusStrings(g.Statuses))+")")
	}
	if len(g.PaymentStatuses) > 0 {
		where = append(where, "payment_status IN ("+placeholders(&args, paymentStrings(g.PaymentStatuses))+")")
	}

	q := "UPDATE call_sessions SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	// Distinguish a missing row from a failed guard.
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM call_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *PostgresRepo) DeleteTerminalBefore(ctx context.Context, statuses []Status, before time.Time) (int64, error) {
	var terminal []Status
	for _, s := range statuses {
		if s.Terminal() {
			terminal = append(terminal, s)
		}
	}
	if len(terminal) == 0 {
		return 0, nil
	}
	args := []any{before.UTC()}
	q := `DELETE FROM call_sessions WHERE updated_at < $1 AND status IN (` + placeholders(&args, statusStrings(terminal)) + `)`
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepo) queryOne(ctx context.Context, q string, args ...any) (CallSession, error) {
	var (
		s CallSession

		completedAt, provConnAt, provDiscAt, cliConnAt, cliDiscAt  sql.NullTime
		confStartedAt, confEndedAt, payCapturedAt, payRefundedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, args...).Scan(
		&s.ID,
		&s.Status,
		&s.FailureReason,
		&completedAt,
		&s.Participants.Provider.Phone,
		&s.Participants.Provider.Status,
		&s.Participants.Provider.CallSID,
		&provConnAt,
		&provDiscAt,
		&s.Participants.Provider.AttemptCount,
		&s.Participants.Client.Phone,
		&s.Participants.Client.Status,
		&s.Participants.Client.CallSID,
		&cliConnAt,
		&cliDiscAt,
		&s.Participants.Client.AttemptCount,
		&s.Conference.SID,
		&s.Conference.Name,
		&confStartedAt,
		&confEndedAt,
		&s.Conference.Duration,
		&s.Conference.RecordingURL,
		&s.Conference.RecordingSID,
		&s.Conference.RecordingStatus,
		&s.Conference.RecordingDuration,
		&s.Payment.IntentID,
		&s.Payment.Status,
		&s.Payment.Amount,
		&s.Payment.Currency,
		&payCapturedAt,
		&payRefundedAt,
		&s.Payment.FailureReason,
		&s.Metadata.ProviderID,
		&s.Metadata.ClientID,
		&s.Metadata.ServiceType,
		&s.Metadata.ProviderType,
		&s.Metadata.MaxDuration,
		&s.Metadata.Language,
		&s.Metadata.TaskID,
		&s.Metadata.CreatedAt,
		&s.Metadata.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallSession{}, ErrNotFound
		}
		return CallSession{}, err
	}
	s.CompletedAt = nullTime(completedAt)
	s.Participants.Provider.ConnectedAt = nullTime(provConnAt)
	s.Participants.Provider.DisconnectedAt = nullTime(provDiscAt)
	s.Participants.Client.ConnectedAt = nullTime(cliConnAt)
	s.Participants.Client.DisconnectedAt = nullTime(cliDiscAt)
	s.Conference.StartedAt = nullTime(confStartedAt)
	s.Conference.EndedAt = nullTime(confEndedAt)
	s.Payment.CapturedAt = nullTime(payCapturedAt)
	s.Payment.RefundedAt = nullTime(payRefundedAt)
	return s, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func placeholders(args *[]any, values []string) string {
	ph := make([]string, 0, len(values))
	for _, v := range values {
		*args = append(*args, v)
		ph = append(ph, fmt.Sprintf("$%d", len(*args)))
	}
	return strings.Join(ph, ",")
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func paymentStrings(in []PaymentStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
