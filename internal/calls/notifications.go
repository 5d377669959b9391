package calls

import (
	"strconv"

	"consultline/internal/notify"
	"consultline/internal/sessions"
)

func message(s sessions.CallSession, role sessions.Role, template string, params map[string]string) notify.Message {
	p := map[string]string{"sessionId": s.ID}
	for k, v := range params {
		p[k] = v
	}
	return notify.Message{
		To:       s.Participants.Get(role).Phone,
		Template: template,
		Params:   p,
		Language: s.Metadata.Language,
	}
}

func failureMessages(s sessions.CallSession, reason string) []notify.Message {
	params := map[string]string{"reason": reason}
	return []notify.Message{
		message(s, sessions.RoleProvider, notify.TemplateCallFailedProvider, params),
		message(s, sessions.RoleClient, notify.TemplateCallFailedClient, params),
	}
}

// tooShortMessages tells the party who hung up and the other party different
// things. Without a known party both get the neutral wording.
func tooShortMessages(s sessions.CallSession, who sessions.Role, seconds int) []notify.Message {
	params := map[string]string{"duration": strconv.Itoa(seconds)}
	if !who.Valid() {
		return []notify.Message{
			message(s, sessions.RoleProvider, notify.TemplateCallTooShortOther, params),
			message(s, sessions.RoleClient, notify.TemplateCallTooShortOther, params),
		}
	}
	return []notify.Message{
		message(s, who, notify.TemplateCallTooShortHungUp, params),
		message(s, who.Other(), notify.TemplateCallTooShortOther, params),
	}
}

func completedMessages(s sessions.CallSession) []notify.Message {
	params := map[string]string{"duration": strconv.Itoa(s.Conference.Duration)}
	return []notify.Message{
		message(s, sessions.RoleProvider, notify.TemplateCallCompletedProvider, params),
		message(s, sessions.RoleClient, notify.TemplateCallCompletedClient, params),
	}
}

func anomalyMessages(s sessions.CallSession, reason string) []notify.Message {
	params := map[string]string{"reason": reason}
	return []notify.Message{
		message(s, sessions.RoleProvider, notify.TemplatePaymentFailedProvider, params),
		message(s, sessions.RoleClient, notify.TemplatePaymentFailedClient, params),
	}
}

func cancelledMessages(s sessions.CallSession) []notify.Message {
	return []notify.Message{
		message(s, sessions.RoleProvider, notify.TemplateCallCancelled, nil),
		message(s, sessions.RoleClient, notify.TemplateCallCancelled, nil),
	}
}
