package calls

import (
	"context"
	"errors"

	"consultline/internal/sessions"
	"consultline/pkg/logger"
)

// StartSaga runs the dialing part of a session: the provider is dialed to
// completion first and the client only once the provider is connected.
// Settlement happens later from webhooks.
func (m *Manager) StartSaga(ctx context.Context, id string) error {
	start := m.clock()
	ctx, l := logger.WithAttrs(ctx, "session_id", id)

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		l.Info("session already finished, saga skipped", "status", s.Status)
		return nil
	}
	if s.Payment.Status != sessions.PaymentAuthorized {
		return ErrNotAuthorized
	}

	claim := sessions.Guard{
		Statuses:        []sessions.Status{sessions.StatusPending},
		PaymentStatuses: []sessions.PaymentStatus{sessions.PaymentAuthorized},
	}
	ok, err := m.store.UpdateIf(ctx, id, claim, sessions.NewUpdate().Status(sessions.StatusProviderConnecting))
	if err != nil {
		return err
	}
	if !ok {
		l.Info("saga already started")
		return nil
	}
	defer func() { m.metrics.ObserveSaga(m.clock().Sub(start)) }()
	l.Info("saga started")

	connected, err := m.dialer.CallParticipantWithRetries(ctx, m.dialRequest(s, sessions.RoleProvider))
	if done, err := m.afterDial(ctx, id, connected, err, ReasonProviderNoAnswer); done {
		return err
	}

	if _, err := m.store.UpdateIf(ctx, id,
		sessions.Guard{Statuses: []sessions.Status{sessions.StatusProviderConnecting}},
		sessions.NewUpdate().Status(sessions.StatusClientConnecting)); err != nil {
		return err
	}

	connected, err = m.dialer.CallParticipantWithRetries(ctx, m.dialRequest(s, sessions.RoleClient))
	if done, err := m.afterDial(ctx, id, connected, err, ReasonClientNoAnswer); done {
		return err
	}

	if _, err := m.store.UpdateIf(ctx, id,
		sessions.Guard{Statuses: []sessions.Status{sessions.StatusClientConnecting}},
		sessions.NewUpdate().Status(sessions.StatusBothConnecting)); err != nil {
		return err
	}
	_, err = m.PromoteIfBothConnected(ctx, id)
	l.Info("both participants connected")
	return err
}

func (m *Manager) dialRequest(s sessions.CallSession, role sessions.Role) DialRequest {
	return DialRequest{
		SessionID:      s.ID,
		Role:           role,
		Phone:          s.Participants.Get(role).Phone,
		ConferenceName: s.Conference.Name,
		TimeLimit:      s.Metadata.MaxDuration,
		Language:       s.Metadata.Language,
	}
}

// afterDial reports whether the saga must stop after a dial result.
func (m *Manager) afterDial(ctx context.Context, id string, connected bool, err error, reason string) (bool, error) {
	switch {
	case errors.Is(err, ErrSessionClosed):
		return true, nil
	case err != nil:
		// The saga context may be gone; the payment must still be released.
		if ferr := m.HandleCallFailure(context.WithoutCancel(ctx), id, ReasonDialError); ferr != nil {
			return true, errors.Join(err, ferr)
		}
		return true, err
	case !connected:
		return true, m.HandleCallFailure(ctx, id, reason)
	}
	return false, nil
}
