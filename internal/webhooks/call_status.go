package webhooks

import (
	"context"
	"errors"
	"strings"
	"time"

	"consultline/internal/calls"
	"consultline/internal/sessions"
	"consultline/internal/telephony"
	"consultline/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallStatus handles POST /webhooks/twilio/call-status.
func (h *Handler) CallStatus(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := telephony.ParseCallStatus(c.Request)
	if err != nil || form.CallSid == "" {
		log.Warn("call status webhook without call sid", "err", err)
		ack(c)
		return
	}
	h.metrics.Webhook("call_status", form.CallStatus)

	log = log.With("call_sid", form.CallSid, "call_status", form.CallStatus)
	if err := h.applyCallStatus(logger.With(c.Request.Context(), log), form); err != nil {
		log.Error("call status webhook failed", "err", err)
	}
	ack(c)
}

func (h *Handler) applyCallStatus(ctx context.Context, form telephony.CallStatusForm) error {
	s, err := h.store.FindByCallSID(ctx, form.CallSid)
	if errors.Is(err, sessions.ErrNotFound) {
		logger.From(ctx).Warn("call status for unknown call")
		return nil
	}
	if err != nil {
		return err
	}
	role, ok := s.RoleForCallSID(form.CallSid)
	if !ok {
		return nil
	}
	ctx, l := logger.WithAttrs(ctx, "session_id", s.ID, "role", role)
	if s.Status.Terminal() {
		l.Debug("call status after session end", "status", s.Status)
		return nil
	}

	p := s.Participants.Get(role)
	at := h.eventTime(form.Timestamp)

	switch form.CallStatus {
	case "queued", "initiated":
		return nil

	case "ringing":
		if p.Status != sessions.ParticipantPending {
			return nil
		}
		return h.store.Update(ctx, s.ID, sessions.NewUpdate().ParticipantStatus(role, sessions.ParticipantRinging))

	case "answered", "in-progress":
		if p.Status != sessions.ParticipantConnected {
			u := sessions.NewUpdate().ParticipantStatus(role, sessions.ParticipantConnected)
			if p.ConnectedAt == nil {
				u.ParticipantConnectedAt(role, at)
			}
			if err := h.store.Update(ctx, s.ID, u); err != nil {
				return err
			}
			l.Info("participant answered")
		}
		_, err := h.calls.PromoteIfBothConnected(ctx, s.ID)
		return err

	case "completed":
		end := h.legEnd(form, p)
		u := sessions.NewUpdate().ParticipantStatus(role, sessions.ParticipantDisconnected)
		if p.DisconnectedAt == nil {
			u.ParticipantDisconnectedAt(role, end)
		}
		if err := h.store.Update(ctx, s.ID, u); err != nil {
			return err
		}
		return h.legCompleted(ctx, s.ID, role, end, form.CallDuration)

	case "failed", "busy", "no-answer", "canceled":
		if err := h.store.Update(ctx, s.ID, sessions.NewUpdate().ParticipantStatus(role, sessions.ParticipantNoAnswer)); err != nil {
			return err
		}
		// Retries belong to the dialer until it runs out of attempts.
		if p.AttemptCount < calls.MaxAttempts {
			return nil
		}
		return h.calls.HandleCallFailure(ctx, s.ID, failureReason(role, form.CallStatus))

	default:
		l.Debug("call status ignored")
		return nil
	}
}

// legEnd is when the leg hung up according to Twilio: the callback
// timestamp, else answer time plus the reported call length.
func (h *Handler) legEnd(form telephony.CallStatusForm, p sessions.Participant) time.Time {
	if t, ok := parseTimestamp(form.Timestamp); ok {
		return t
	}
	if p.ConnectedAt != nil && form.CallDuration > 0 {
		return p.ConnectedAt.Add(time.Duration(form.CallDuration) * time.Second).UTC()
	}
	return h.clock().UTC()
}

// legCompleted decides what a hung-up leg means for the session. A leg that
// never connected is the dialer's business.
func (h *Handler) legCompleted(ctx context.Context, id string, role sessions.Role, end time.Time, callDuration int) error {
	s, err := h.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return nil
	}
	prov, cli := s.Participants.Provider, s.Participants.Client
	provConnected := prov.Status == sessions.ParticipantConnected || prov.ConnectedAt != nil
	cliConnected := cli.Status == sessions.ParticipantConnected || cli.ConnectedAt != nil

	switch {
	case provConnected && cliConnected:
		return h.calls.HandleEarlyDisconnection(ctx, id, role, calls.BilledSeconds(s, end, callDuration))
	case role == sessions.RoleProvider && provConnected && s.Status != sessions.StatusProviderConnecting:
		// The provider left while the client was still being dialed.
		return h.calls.HandleCallFailure(ctx, id, calls.ReasonProviderHungUp)
	default:
		return nil
	}
}

func failureReason(role sessions.Role, status string) string {
	return string(role) + "_" + strings.ReplaceAll(status, "-", "_")
}
