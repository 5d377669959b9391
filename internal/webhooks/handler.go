package webhooks

import (
	"context"
	"net/http"
	"time"

	"consultline/internal/metrics"
	"consultline/internal/payments"
	"consultline/internal/sessions"

	"github.com/gin-gonic/gin"
)

// Lifecycle is the part of calls.Manager the webhooks drive.
type Lifecycle interface {
	PromoteIfBothConnected(ctx context.Context, id string) (bool, error)
	HandleCallFailure(ctx context.Context, id, reason string) error
	HandleCallCompletion(ctx context.Context, id string, durationSeconds int) error
	HandleEarlyDisconnection(ctx context.Context, id string, who sessions.Role, durationSeconds int) error
	CapturePaymentForSession(ctx context.Context, id string) (bool, error)
	HandlePaymentAnomaly(ctx context.Context, id, reason string) error
	CancelSession(ctx context.Context, id, reason string) error
}

type GatewayEvents interface {
	ApplyGatewayEvent(ctx context.Context, ev payments.GatewayEvent) (payments.Payment, error)
}

// Handler translates telephony and payment callbacks into session
// transitions.
//
// Rules:
// - Every callback may arrive more than once and in any order.
// - Twilio callbacks are always acknowledged with 200 once logged; an
//   unknown session is not an error for the sender.
// - Field writes are narrow; money only moves through Lifecycle.
type Handler struct {
	store        sessions.Store
	calls        Lifecycle
	payments     GatewayEvents
	metrics      *metrics.Metrics
	stripeSecret string
	clock        func() time.Time
}

func NewHandler(store sessions.Store, calls Lifecycle, pay GatewayEvents, m *metrics.Metrics, stripeSecret string) *Handler {
	return &Handler{
		store:        store,
		calls:        calls,
		payments:     pay,
		metrics:      m,
		stripeSecret: stripeSecret,
		clock:        time.Now,
	}
}

// Register mounts the webhook routes. twilioAuth verifies Twilio request
// signatures and may be nil in tests.
func (h *Handler) Register(r gin.IRouter, twilioAuth gin.HandlerFunc) {
	tw := r.Group("/webhooks/twilio")
	if twilioAuth != nil {
		tw.Use(twilioAuth)
	}
	tw.POST("/call-status", h.CallStatus)
	tw.POST("/conference", h.Conference)
	tw.POST("/recording", h.Recording)

	r.POST("/webhooks/stripe", h.Stripe)
}

func ack(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"received": true})
}
