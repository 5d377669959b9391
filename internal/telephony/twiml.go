package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only include primitives we need at the adapter boundary.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Language string   `xml:"language,attr,omitempty"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlDial struct {
	XMLName    xml.Name         `xml:"Dial"`
	TimeLimit  int              `xml:"timeLimit,attr,omitempty"`
	Conference *twimlConference `xml:"Conference"`
}

type twimlConference struct {
	StartConferenceOnEnter        bool   `xml:"startConferenceOnEnter,attr"`
	EndConferenceOnExit           bool   `xml:"endConferenceOnExit,attr"`
	Beep                          bool   `xml:"beep,attr"`
	ParticipantLabel              string `xml:"participantLabel,attr,omitempty"`
	StatusCallback                string `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent           string `xml:"statusCallbackEvent,attr,omitempty"`
	StatusCallbackMethod          string `xml:"statusCallbackMethod,attr,omitempty"`
	Record                        string `xml:"record,attr,omitempty"`
	RecordingStatusCallback       string `xml:"recordingStatusCallback,attr,omitempty"`
	RecordingStatusCallbackEvent  string `xml:"recordingStatusCallbackEvent,attr,omitempty"`
	RecordingStatusCallbackMethod string `xml:"recordingStatusCallbackMethod,attr,omitempty"`
	Name                          string `xml:",chardata"`
}

// ConferenceJoin describes how one participant enters the shared conference.
type ConferenceJoin struct {
	// Label is the participant role, "provider" or "client".
	Label string
	// Host legs start the conference on entry and end it on exit.
	Host bool

	Language       string
	ConferenceName string
	// TimeLimit caps the leg, in seconds.
	TimeLimit int

	StatusCallback    string
	RecordingCallback string
}

type greeting struct {
	locale string
	host   string
	guest  string
}

var greetings = map[string]greeting{
	"fr": {
		locale: "fr-FR",
		host:   "Bonjour, votre client vous attend. Nous vous mettons en relation.",
		guest:  "Bonjour, votre expert est en ligne. Nous vous mettons en relation.",
	},
	"en": {
		locale: "en-US",
		host:   "Hello, your client is waiting. Connecting you now.",
		guest:  "Hello, your expert is on the line. Connecting you now.",
	},
	"es": {
		locale: "es-ES",
		host:   "Hola, su cliente le espera. Le conectamos ahora.",
		guest:  "Hola, su experto está en línea. Le conectamos ahora.",
	},
	"de": {
		locale: "de-DE",
		host:   "Guten Tag, Ihr Kunde wartet. Wir verbinden Sie jetzt.",
		guest:  "Guten Tag, Ihr Experte ist in der Leitung. Wir verbinden Sie jetzt.",
	},
}

const defaultLanguage = "fr"

func greetingFor(lang string, host bool) (string, string) {
	g, ok := greetings[strings.ToLower(strings.TrimSpace(lang))]
	if !ok {
		g = greetings[defaultLanguage]
	}
	if host {
		return g.locale, g.host
	}
	return g.locale, g.guest
}

// ConferenceTwiML renders the answer instructions for one outbound leg: a
// short localized greeting, then a recorded conference join.
func ConferenceTwiML(j ConferenceJoin) (string, error) {
	if strings.TrimSpace(j.ConferenceName) == "" {
		return "", errors.New("telephony: conference name required")
	}

	locale, text := greetingFor(j.Language, j.Host)
	conf := &twimlConference{
		StartConferenceOnEnter: j.Host,
		EndConferenceOnExit:    j.Host,
		Beep:                   false,
		ParticipantLabel:       j.Label,
		Record:                 "record-from-start",
		Name:                   j.ConferenceName,
	}
	if j.StatusCallback != "" {
		conf.StatusCallback = j.StatusCallback
		conf.StatusCallbackEvent = "start end join leave mute hold"
		conf.StatusCallbackMethod = "POST"
	}
	if j.RecordingCallback != "" {
		conf.RecordingStatusCallback = j.RecordingCallback
		conf.RecordingStatusCallbackEvent = "completed absent"
		conf.RecordingStatusCallbackMethod = "POST"
	}

	r := twimlResponse{Verbs: []any{
		twimlSay{Language: locale, Voice: "alice", Text: text},
		twimlDial{TimeLimit: j.TimeLimit, Conference: conf},
	}}
	return render(r)
}

func render(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
