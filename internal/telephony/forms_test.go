package telephony

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func formRequest(v url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/call-status", strings.NewReader(v.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestParseCallStatus(t *testing.T) {
	f, err := ParseCallStatus(formRequest(url.Values{
		"CallSid":      {"CA1"},
		"CallStatus":   {"In-Progress"},
		"CallDuration": {"185"},
		"Timestamp":    {"Sun, 01 Mar 2026 10:00:00 +0000"},
	}))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.CallSid != "CA1" || f.CallStatus != "in-progress" || f.CallDuration != 185 || f.Timestamp == "" {
		t.Fatalf("unexpected form %+v", f)
	}
}

func TestParseConferenceMissingDuration(t *testing.T) {
	f, err := ParseConference(formRequest(url.Values{
		"ConferenceSid":       {"CF1"},
		"FriendlyName":        {"conf_s1_1"},
		"StatusCallbackEvent": {"participant-join"},
		"ParticipantLabel":    {"Provider"},
	}))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.Duration != 0 || f.ParticipantLabel != "provider" || f.StatusCallbackEvent != "participant-join" {
		t.Fatalf("unexpected form %+v", f)
	}
}

func TestParseRecording(t *testing.T) {
	f, err := ParseRecording(formRequest(url.Values{
		"RecordingSid":      {"RE1"},
		"RecordingStatus":   {"completed"},
		"RecordingDuration": {"abc"},
		"RecordingUrl":      {"https://api.twilio.com/rec/RE1"},
	}))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.RecordingDuration != 0 || f.RecordingURL == "" {
		t.Fatalf("unexpected form %+v", f)
	}
}
