package webhooks

import (
	"context"
	"errors"
	"time"

	"consultline/internal/calls"
	"consultline/internal/sessions"
	"consultline/internal/telephony"
	"consultline/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Conference handles POST /webhooks/twilio/conference.
func (h *Handler) Conference(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := telephony.ParseConference(c.Request)
	if err != nil || (form.ConferenceSid == "" && form.FriendlyName == "") {
		log.Warn("conference webhook without conference id", "err", err)
		ack(c)
		return
	}
	h.metrics.Webhook("conference", form.StatusCallbackEvent)

	log = log.With("conference_sid", form.ConferenceSid, "event", form.StatusCallbackEvent)
	if err := h.applyConference(logger.With(c.Request.Context(), log), form); err != nil {
		log.Error("conference webhook failed", "err", err)
	}
	ack(c)
}

func (h *Handler) applyConference(ctx context.Context, form telephony.ConferenceForm) error {
	s, err := h.store.FindByConference(ctx, form.ConferenceSid, form.FriendlyName)
	if errors.Is(err, sessions.ErrNotFound) {
		logger.From(ctx).Warn("conference event for unknown session", "name", form.FriendlyName)
		return nil
	}
	if err != nil {
		return err
	}
	ctx, l := logger.WithAttrs(ctx, "session_id", s.ID)
	if s.Status.Terminal() {
		l.Debug("conference event after session end", "status", s.Status)
		return nil
	}

	at := h.eventTime(form.Timestamp)

	switch form.StatusCallbackEvent {
	case "conference-start":
		u := sessions.NewUpdate()
		if s.Conference.SID == "" && form.ConferenceSid != "" {
			u.ConferenceSID(form.ConferenceSid)
		}
		if s.Conference.StartedAt == nil {
			u.ConferenceStartedAt(at)
		}
		if !u.Empty() {
			if err := h.store.Update(ctx, s.ID, u); err != nil {
				return err
			}
		}
		l.Info("conference started")
		_, err := h.calls.PromoteIfBothConnected(ctx, s.ID)
		return err

	case "conference-end":
		u := sessions.NewUpdate()
		if s.Conference.SID == "" && form.ConferenceSid != "" {
			u.ConferenceSID(form.ConferenceSid)
		}
		if s.Conference.EndedAt == nil {
			u.ConferenceEndedAt(at)
		}
		if !u.Empty() {
			if err := h.store.Update(ctx, s.ID, u); err != nil {
				return err
			}
		}
		seconds := calls.BilledSeconds(s, at, form.Duration)
		l.Info("conference ended", "reported_duration", form.Duration, "billed_seconds", seconds)
		return h.calls.HandleCallCompletion(ctx, s.ID, seconds)

	case "participant-join":
		role := sessions.Role(form.ParticipantLabel)
		if !role.Valid() {
			l.Warn("participant join without known label", "label", form.ParticipantLabel)
			return nil
		}
		p := s.Participants.Get(role)
		u := sessions.NewUpdate().ParticipantStatus(role, sessions.ParticipantConnected)
		if p.ConnectedAt == nil {
			u.ParticipantConnectedAt(role, at)
		}
		if err := h.store.Update(ctx, s.ID, u); err != nil {
			return err
		}
		_, err := h.calls.PromoteIfBothConnected(ctx, s.ID)
		return err

	case "participant-leave":
		role := sessions.Role(form.ParticipantLabel)
		if !role.Valid() {
			l.Warn("participant leave without known label", "label", form.ParticipantLabel)
			return nil
		}
		u := sessions.NewUpdate().ParticipantStatus(role, sessions.ParticipantDisconnected)
		if s.Participants.Get(role).DisconnectedAt == nil {
			u.ParticipantDisconnectedAt(role, at)
		}
		if err := h.store.Update(ctx, s.ID, u); err != nil {
			return err
		}
		seconds := calls.BilledSeconds(s, at, 0)
		l.Info("participant left", "role", role, "billed_seconds", seconds)
		return h.calls.HandleEarlyDisconnection(ctx, s.ID, role, seconds)

	case "participant-mute", "participant-unmute", "participant-hold", "participant-unhold":
		l.Info("participant state changed", "label", form.ParticipantLabel)
		return nil

	default:
		l.Debug("conference event ignored")
		return nil
	}
}

// eventTime reads Twilio's RFC 1123 timestamp, falling back to now.
func (h *Handler) eventTime(raw string) time.Time {
	if t, ok := parseTimestamp(raw); ok {
		return t
	}
	return h.clock().UTC()
}

func parseTimestamp(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
