package audit

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Repository is the persistence contract for call records.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, rec Record) error
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)
	List(ctx context.Context, from, to time.Time) ([]Record, error)
}

// Service appends call-attempt history.
//
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidRecord = errors.New("audit: invalid record")

func (s *Service) Append(ctx context.Context, rec Record) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if rec.SessionID == "" || rec.Event == "" {
		return ErrInvalidRecord
	}
	if rec.Role == "" {
		rec.Role = RoleSession
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, rec)
}

// LogAttempt records one dial-attempt transition for a participant.
func (s *Service) LogAttempt(ctx context.Context, sessionID, role string, ev EventType, attempt int, callSID, message string) error {
	return s.Append(ctx, Record{
		SessionID: sessionID,
		Role:      role,
		Event:     ev,
		Attempt:   attempt,
		CallSID:   callSID,
		Message:   message,
	})
}

// LogSession records a saga-level event with optional JSON metadata.
func (s *Service) LogSession(ctx context.Context, sessionID string, ev EventType, message string, metadata map[string]any) error {
	return s.Append(ctx, Record{
		SessionID: sessionID,
		Event:     ev,
		Message:   message,
		Metadata:  encode(metadata),
	})
}

// LogOperatorAction records an action taken by an authenticated user.
func (s *Service) LogOperatorAction(ctx context.Context, sessionID string, ev EventType, actorUserID, actorRole, ip, message string) error {
	return s.Append(ctx, Record{
		SessionID:   sessionID,
		Event:       ev,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     message,
	})
}

func (s *Service) History(ctx context.Context, sessionID string) ([]Record, error) {
	return s.repo.ListBySession(ctx, sessionID)
}

func (s *Service) Between(ctx context.Context, from, to time.Time) ([]Record, error) {
	return s.repo.List(ctx, from, to)
}

func encode(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
