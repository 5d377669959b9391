package webhooks

import (
	"context"
	"errors"

	"consultline/internal/calls"
	"consultline/internal/sessions"
	"consultline/internal/telephony"
	"consultline/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Recording handles POST /webhooks/twilio/recording.
func (h *Handler) Recording(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := telephony.ParseRecording(c.Request)
	if err != nil || (form.ConferenceSid == "" && form.CallSid == "") {
		log.Warn("recording webhook without conference or call id", "err", err)
		ack(c)
		return
	}
	h.metrics.Webhook("recording", form.RecordingStatus)

	log = log.With("recording_sid", form.RecordingSid, "recording_status", form.RecordingStatus)
	if err := h.applyRecording(logger.With(c.Request.Context(), log), form); err != nil {
		log.Error("recording webhook failed", "err", err)
	}
	ack(c)
}

func (h *Handler) applyRecording(ctx context.Context, form telephony.RecordingForm) error {
	s, err := h.findForRecording(ctx, form)
	if errors.Is(err, sessions.ErrNotFound) {
		logger.From(ctx).Warn("recording for unknown session")
		return nil
	}
	if err != nil {
		return err
	}
	ctx, l := logger.WithAttrs(ctx, "session_id", s.ID)

	// Metadata is kept even for finished sessions.
	u := sessions.NewUpdate().Recording(form.RecordingSid, form.RecordingStatus, form.RecordingDuration, form.RecordingURL)
	if s.Conference.Duration == 0 && form.RecordingDuration > 0 {
		u.ConferenceDuration(form.RecordingDuration)
	}
	if err := h.store.Update(ctx, s.ID, u); err != nil {
		return err
	}

	if form.RecordingStatus != "completed" || form.RecordingDuration < calls.MinBillableSeconds {
		return nil
	}
	// Second confirmation path for a missed conference-end.
	captured, err := h.calls.CapturePaymentForSession(ctx, s.ID)
	if captured {
		l.Info("payment captured from recording callback", "duration", form.RecordingDuration)
	}
	return err
}

func (h *Handler) findForRecording(ctx context.Context, form telephony.RecordingForm) (sessions.CallSession, error) {
	if form.ConferenceSid != "" {
		s, err := h.store.FindByConference(ctx, form.ConferenceSid, "")
		if err == nil || !errors.Is(err, sessions.ErrNotFound) || form.CallSid == "" {
			return s, err
		}
	}
	return h.store.FindByCallSID(ctx, form.CallSid)
}
