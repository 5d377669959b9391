package payments

import (
	"errors"
	"testing"
	"time"

	"consultline/internal/apperr"

	"github.com/stripe/stripe-go/v76/webhook"
)

const testWebhookSecret = "whsec_test"

func signed(t *testing.T, payload string) (string, []byte) {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return sp.Header, sp.Payload
}

func TestParseStripeEvent_PaymentFailed(t *testing.T) {
	header, body := signed(t, `{
  "id": "evt_1",
  "object": "event",
  "type": "payment_intent.payment_failed",
  "data": {"object": {
    "id": "pi_123",
    "object": "payment_intent",
    "status": "requires_payment_method",
    "amount": 4900,
    "currency": "eur",
    "last_payment_error": {"code": "insufficient_funds", "message": "Your card has insufficient funds."}
  }}
}`)

	ev, err := ParseStripeEvent(body, header, testWebhookSecret)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ev.Type != EventIntentFailed || ev.IntentID != "pi_123" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.FailureReason != "insufficient_funds" {
		t.Fatalf("expected failure reason, got %q", ev.FailureReason)
	}
}

func TestParseStripeEvent_BadSignature(t *testing.T) {
	_, body := signed(t, `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)
	_, err := ParseStripeEvent(body, "t=1,v1=deadbeef", testWebhookSecret)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseStripeEvent_IgnoresOtherTypes(t *testing.T) {
	header, body := signed(t, `{"id":"evt_2","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`)
	_, err := ParseStripeEvent(body, header, testWebhookSecret)
	if !errors.Is(err, ErrUnhandledEvent) {
		t.Fatalf("expected ErrUnhandledEvent, got %v", err)
	}
}
