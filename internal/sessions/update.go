package sessions

import (
	"fmt"
	"time"
)

// Field is the closed set of session field paths that may be written
// individually. Participant fields are scoped by Role in a Path.
type Field int

const (
	FieldStatus Field = iota + 1
	FieldFailureReason
	FieldCompletedAt

	FieldParticipantStatus
	FieldParticipantCallSID
	FieldParticipantConnectedAt
	FieldParticipantDisconnectedAt
	FieldParticipantAttemptCount

	FieldConferenceSID
	FieldConferenceStartedAt
	FieldConferenceEndedAt
	FieldConferenceDuration
	FieldRecordingURL
	FieldRecordingSID
	FieldRecordingStatus
	FieldRecordingDuration

	FieldPaymentStatus
	FieldPaymentCapturedAt
	FieldPaymentRefundedAt
	FieldPaymentFailureReason

	FieldTaskID
)

// Path addresses one field. Role is only meaningful for participant fields.
type Path struct {
	Field Field
	Role  Role
}

func (p Path) participant() bool {
	return p.Field >= FieldParticipantStatus && p.Field <= FieldParticipantAttemptCount
}

// Column returns the storage column for the path.
func (p Path) Column() string {
	if p.participant() {
		prefix := "provider_"
		if p.Role == RoleClient {
			prefix = "client_"
		}
		switch p.Field {
		case FieldParticipantStatus:
			return prefix + "status"
		case FieldParticipantCallSID:
			return prefix + "call_sid"
		case FieldParticipantConnectedAt:
			return prefix + "connected_at"
		case FieldParticipantDisconnectedAt:
			return prefix + "disconnected_at"
		case FieldParticipantAttemptCount:
			return prefix + "attempt_count"
		}
	}
	switch p.Field {
	case FieldStatus:
		return "status"
	case FieldFailureReason:
		return "failure_reason"
	case FieldCompletedAt:
		return "completed_at"
	case FieldConferenceSID:
		return "conference_sid"
	case FieldConferenceStartedAt:
		return "conference_started_at"
	case FieldConferenceEndedAt:
		return "conference_ended_at"
	case FieldConferenceDuration:
		return "conference_duration"
	case FieldRecordingURL:
		return "recording_url"
	case FieldRecordingSID:
		return "recording_sid"
	case FieldRecordingStatus:
		return "recording_status"
	case FieldRecordingDuration:
		return "recording_duration"
	case FieldPaymentStatus:
		return "payment_status"
	case FieldPaymentCapturedAt:
		return "payment_captured_at"
	case FieldPaymentRefundedAt:
		return "payment_refunded_at"
	case FieldPaymentFailureReason:
		return "payment_failure_reason"
	case FieldTaskID:
		return "task_id"
	}
	panic(fmt.Sprintf("sessions: unknown field %d", p.Field))
}

type assignment struct {
	path  Path
	value any
}

// Update is a narrow set of field writes applied atomically to one session.
// Unlisted fields are never touched, so concurrent writers of different
// fields do not clobber each other.
type Update struct {
	sets []assignment
}

func NewUpdate() *Update { return &Update{} }

func (u *Update) set(p Path, v any) *Update {
	for i := range u.sets {
		if u.sets[i].path == p {
			u.sets[i].value = v
			return u
		}
	}
	u.sets = append(u.sets, assignment{path: p, value: v})
	return u
}

func (u *Update) Empty() bool { return u == nil || len(u.sets) == 0 }

// Paths lists the fields written by the update, in insertion order.
func (u *Update) Paths() []Path {
	out := make([]Path, 0, len(u.sets))
	for _, s := range u.sets {
		out = append(out, s.path)
	}
	return out
}

func (u *Update) Status(s Status) *Update {
	return u.set(Path{Field: FieldStatus}, s)
}

func (u *Update) FailureReason(reason string) *Update {
	return u.set(Path{Field: FieldFailureReason}, reason)
}

func (u *Update) CompletedAt(t time.Time) *Update {
	return u.set(Path{Field: FieldCompletedAt}, t)
}

func (u *Update) ParticipantStatus(role Role, s ParticipantStatus) *Update {
	return u.set(Path{Field: FieldParticipantStatus, Role: role}, s)
}

func (u *Update) ParticipantCallSID(role Role, sid string) *Update {
	return u.set(Path{Field: FieldParticipantCallSID, Role: role}, sid)
}

func (u *Update) ParticipantConnectedAt(role Role, t time.Time) *Update {
	return u.set(Path{Field: FieldParticipantConnectedAt, Role: role}, t)
}

func (u *Update) ParticipantDisconnectedAt(role Role, t time.Time) *Update {
	return u.set(Path{Field: FieldParticipantDisconnectedAt, Role: role}, t)
}

func (u *Update) ParticipantAttemptCount(role Role, n int) *Update {
	return u.set(Path{Field: FieldParticipantAttemptCount, Role: role}, n)
}

func (u *Update) ConferenceSID(sid string) *Update {
	return u.set(Path{Field: FieldConferenceSID}, sid)
}

func (u *Update) ConferenceStartedAt(t time.Time) *Update {
	return u.set(Path{Field: FieldConferenceStartedAt}, t)
}

func (u *Update) ConferenceEndedAt(t time.Time) *Update {
	return u.set(Path{Field: FieldConferenceEndedAt}, t)
}

func (u *Update) ConferenceDuration(seconds int) *Update {
	return u.set(Path{Field: FieldConferenceDuration}, seconds)
}

// Recording writes all recording metadata fields together.
func (u *Update) Recording(sid, status string, durationSeconds int, url string) *Update {
	u.set(Path{Field: FieldRecordingSID}, sid)
	u.set(Path{Field: FieldRecordingStatus}, status)
	u.set(Path{Field: FieldRecordingDuration}, durationSeconds)
	if url != "" {
		u.set(Path{Field: FieldRecordingURL}, url)
	}
	return u
}

func (u *Update) PaymentStatus(s PaymentStatus) *Update {
	return u.set(Path{Field: FieldPaymentStatus}, s)
}

func (u *Update) PaymentCapturedAt(t time.Time) *Update {
	return u.set(Path{Field: FieldPaymentCapturedAt}, t)
}

func (u *Update) PaymentRefundedAt(t time.Time) *Update {
	return u.set(Path{Field: FieldPaymentRefundedAt}, t)
}

func (u *Update) PaymentFailureReason(reason string) *Update {
	return u.set(Path{Field: FieldPaymentFailureReason}, reason)
}

func (u *Update) TaskID(id string) *Update {
	return u.set(Path{Field: FieldTaskID}, id)
}

// Apply writes the update onto an in-memory copy.
func (u *Update) Apply(s *CallSession) {
	for _, a := range u.sets {
		applyOne(s, a)
	}
}

func applyOne(s *CallSession, a assignment) {
	if a.path.participant() {
		p := s.Participants.ref(a.path.Role)
		switch a.path.Field {
		case FieldParticipantStatus:
			p.Status = a.value.(ParticipantStatus)
		case FieldParticipantCallSID:
			p.CallSID = a.value.(string)
		case FieldParticipantConnectedAt:
			p.ConnectedAt = timePtr(a.value.(time.Time))
		case FieldParticipantDisconnectedAt:
			p.DisconnectedAt = timePtr(a.value.(time.Time))
		case FieldParticipantAttemptCount:
			p.AttemptCount = a.value.(int)
		}
		return
	}
	switch a.path.Field {
	case FieldStatus:
		s.Status = a.value.(Status)
	case FieldFailureReason:
		s.FailureReason = a.value.(string)
	case FieldCompletedAt:
		s.CompletedAt = timePtr(a.value.(time.Time))
	case FieldConferenceSID:
		s.Conference.SID = a.value.(string)
	case FieldConferenceStartedAt:
		s.Conference.StartedAt = timePtr(a.value.(time.Time))
	case FieldConferenceEndedAt:
		s.Conference.EndedAt = timePtr(a.value.(time.Time))
	case FieldConferenceDuration:
		s.Conference.Duration = a.value.(int)
	case FieldRecordingURL:
		s.Conference.RecordingURL = a.value.(string)
	case FieldRecordingSID:
		s.Conference.RecordingSID = a.value.(string)
	case FieldRecordingStatus:
		s.Conference.RecordingStatus = a.value.(string)
	case FieldRecordingDuration:
		s.Conference.RecordingDuration = a.value.(int)
	case FieldPaymentStatus:
		s.Payment.Status = a.value.(PaymentStatus)
	case FieldPaymentCapturedAt:
		s.Payment.CapturedAt = timePtr(a.value.(time.Time))
	case FieldPaymentRefundedAt:
		s.Payment.RefundedAt = timePtr(a.value.(time.Time))
	case FieldPaymentFailureReason:
		s.Payment.FailureReason = a.value.(string)
	case FieldTaskID:
		s.Metadata.TaskID = a.value.(string)
	}
}

// sqlValue converts typed enum values to plain driver values.
func sqlValue(v any) any {
	switch x := v.(type) {
	case Status:
		return string(x)
	case ParticipantStatus:
		return string(x)
	case PaymentStatus:
		return string(x)
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}

func timePtr(t time.Time) *time.Time {
	tt := t.UTC()
	return &tt
}

// Guard is the compare-and-set condition for UpdateIf. Empty slices match
// anything.
type Guard struct {
	Statuses        []Status
	PaymentStatuses []PaymentStatus
}

// NotTerminal guards against writing over a finished session.
func NotTerminal() Guard {
	return Guard{Statuses: LiveStatuses}
}

func (g Guard) Matches(s CallSession) bool {
	if len(g.Statuses) > 0 && !containsStatus(g.Statuses, s.Status) {
		return false
	}
	if len(g.PaymentStatuses) > 0 && !containsPayment(g.PaymentStatuses, s.Payment.Status) {
		return false
	}
	return true
}

func containsStatus(list []Status, v Status) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsPayment(list []PaymentStatus, v PaymentStatus) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
