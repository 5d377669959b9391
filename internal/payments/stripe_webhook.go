package payments

import (
	"fmt"

	"consultline/internal/apperr"

	"github.com/goccy/go-json"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// ParseStripeEvent verifies the Stripe-Signature header and decodes a
// payment intent event.
func ParseStripeEvent(payload []byte, signature, secret string) (GatewayEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return GatewayEvent{}, apperr.Validation("stripe signature: %v", err)
	}

	out := GatewayEvent{ID: ev.ID, Type: string(ev.Type)}
	switch out.Type {
	case EventIntentSucceeded, EventIntentFailed, EventIntentCanceled:
	default:
		return out, ErrUnhandledEvent
	}
	if ev.Data == nil {
		return out, apperr.Validation("stripe event %s has no data", ev.ID)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return out, fmt.Errorf("decode payment intent: %w", err)
	}
	in := intentFromStripe(&pi)
	out.IntentID = in.ID
	out.Status = in.Status
	out.FailureReason = in.FailureReason
	return out, nil
}
