package telephony

import "context"

// Provider places and ends outbound calls.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Keep request/response types provider-agnostic.
type Provider interface {
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
	HangupCall(ctx context.Context, callSID string) error
}

// PlaceCallRequest describes one outbound leg.
type PlaceCallRequest struct {
	// To is E.164.
	To string `json:"to"`

	// TwiML is executed when the callee answers.
	TwiML string `json:"twiml"`

	// StatusCallback receives call-status webhooks for this leg.
	StatusCallback string `json:"status_callback"`

	// RingTimeout is how long the provider lets the phone ring, in seconds.
	RingTimeout int `json:"ring_timeout"`
}

type PlaceCallResult struct {
	CallSID string `json:"call_sid"`
	Status  string `json:"status"`
}
