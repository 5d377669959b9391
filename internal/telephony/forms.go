package telephony

import (
	"net/http"
	"strconv"
	"strings"
)

// Twilio posts application/x-www-form-urlencoded status callbacks. The
// forms below keep only the fields the saga reads; decisions are made by
// the caller.

type CallStatusForm struct {
	CallSid      string
	AccountSid   string
	To           string
	CallStatus   string
	CallDuration int
	SipCode      string
	ErrorCode    string
	Timestamp    string
}

func ParseCallStatus(r *http.Request) (CallStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return CallStatusForm{}, err
	}
	return CallStatusForm{
		CallSid:      strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:   r.PostFormValue("AccountSid"),
		To:           strings.TrimSpace(r.PostFormValue("To")),
		CallStatus:   strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		CallDuration: atoi(r.PostFormValue("CallDuration")),
		SipCode:      r.PostFormValue("SipResponseCode"),
		ErrorCode:    r.PostFormValue("ErrorCode"),
		Timestamp:    r.PostFormValue("Timestamp"),
	}, nil
}

type ConferenceForm struct {
	ConferenceSid       string
	FriendlyName        string
	StatusCallbackEvent string
	ParticipantLabel    string
	CallSid             string
	// Duration is only sent on conference-end, in seconds.
	Duration  int
	Timestamp string
}

func ParseConference(r *http.Request) (ConferenceForm, error) {
	if err := r.ParseForm(); err != nil {
		return ConferenceForm{}, err
	}
	return ConferenceForm{
		ConferenceSid:       strings.TrimSpace(r.PostFormValue("ConferenceSid")),
		FriendlyName:        strings.TrimSpace(r.PostFormValue("FriendlyName")),
		StatusCallbackEvent: strings.ToLower(strings.TrimSpace(r.PostFormValue("StatusCallbackEvent"))),
		ParticipantLabel:    strings.ToLower(strings.TrimSpace(r.PostFormValue("ParticipantLabel"))),
		CallSid:             strings.TrimSpace(r.PostFormValue("CallSid")),
		Duration:            atoi(r.PostFormValue("Duration")),
		Timestamp:           r.PostFormValue("Timestamp"),
	}, nil
}

type RecordingForm struct {
	RecordingSid      string
	RecordingStatus   string
	RecordingDuration int
	RecordingURL      string
	ConferenceSid     string
	CallSid           string
}

func ParseRecording(r *http.Request) (RecordingForm, error) {
	if err := r.ParseForm(); err != nil {
		return RecordingForm{}, err
	}
	return RecordingForm{
		RecordingSid:      strings.TrimSpace(r.PostFormValue("RecordingSid")),
		RecordingStatus:   strings.ToLower(strings.TrimSpace(r.PostFormValue("RecordingStatus"))),
		RecordingDuration: atoi(r.PostFormValue("RecordingDuration")),
		RecordingURL:      strings.TrimSpace(r.PostFormValue("RecordingUrl")),
		ConferenceSid:     strings.TrimSpace(r.PostFormValue("ConferenceSid")),
		CallSid:           strings.TrimSpace(r.PostFormValue("CallSid")),
	}, nil
}

// atoi returns 0 for missing or malformed numbers; Twilio omits duration
// fields on early events.
func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
