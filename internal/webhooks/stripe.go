package webhooks

import (
	"errors"
	"io"
	"net/http"

	"consultline/internal/apperr"
	"consultline/internal/finance"
	"consultline/internal/payments"
	"consultline/internal/sessions"
	"consultline/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxStripePayload = 64 << 10

// Stripe handles POST /webhooks/stripe. Unlike the Twilio callbacks it
// answers 5xx on storage errors so Stripe redelivers.
func (h *Handler) Stripe(c *gin.Context) {
	log := logger.FromGin(c)

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxStripePayload))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	ev, err := payments.ParseStripeEvent(payload, c.GetHeader("Stripe-Signature"), h.stripeSecret)
	if errors.Is(err, payments.ErrUnhandledEvent) {
		h.metrics.Webhook("stripe", "ignored")
		ack(c)
		return
	}
	if err != nil {
		log.Warn("stripe webhook rejected", "err", err)
		c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	h.metrics.Webhook("stripe", ev.Type)

	log = log.With("event_id", ev.ID, "event_type", ev.Type, "intent_id", ev.IntentID)
	ctx := logger.With(c.Request.Context(), log)

	if _, err := h.payments.ApplyGatewayEvent(ctx, ev); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			log.Warn("stripe event for unknown payment")
			ack(c)
			return
		}
		log.Error("stripe event not applied", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event not applied"})
		return
	}

	var reason string
	switch ev.Type {
	case payments.EventIntentFailed:
		reason = ev.FailureReason
		if reason == "" {
			reason = "payment_failed"
		}
	case payments.EventIntentCanceled:
		reason = finance.ReasonAuthorizationExpired
	default:
		ack(c)
		return
	}

	s, err := h.store.FindByPaymentIntent(ctx, ev.IntentID)
	if err != nil {
		if !errors.Is(err, sessions.ErrNotFound) {
			log.Error("session lookup failed", "err", err)
		}
		ack(c)
		return
	}
	// Cancels we issued ourselves land after the session is already closed.
	if s.Status.Terminal() || s.Payment.Status != sessions.PaymentAuthorized {
		ack(c)
		return
	}
	ctx, log = logger.WithAttrs(ctx, "session_id", s.ID)
	// Before the saga starts nothing is owed; the booking is called off.
	if s.Status == sessions.StatusPending {
		err := h.calls.CancelSession(ctx, s.ID, reason)
		if !errors.Is(err, apperr.ErrPrecondition) {
			if err != nil {
				log.Error("cancel session after payment loss failed", "err", err)
			}
			ack(c)
			return
		}
		log.Info("saga started meanwhile, handling as anomaly")
	}
	if err := h.calls.HandlePaymentAnomaly(ctx, s.ID, reason); err != nil {
		log.Error("payment anomaly handling failed", "err", err)
	}
	ack(c)
}
