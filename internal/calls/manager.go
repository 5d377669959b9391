package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"consultline/internal/apperr"
	"consultline/internal/audit"
	"consultline/internal/finance"
	"consultline/internal/metrics"
	"consultline/internal/notify"
	"consultline/internal/payments"
	"consultline/internal/pricing"
	"consultline/internal/sessions"
	"consultline/pkg/logger"
	"consultline/pkg/validate"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
)

const (
	settleLockTTL  = 30 * time.Second
	settleLockWait = 10 * time.Second
	settleLockPoll = 100 * time.Millisecond
)

var errLockBusy = errors.New("calls: settlement lock busy")

type Deps struct {
	Sessions  sessions.Store
	Payments  PaymentSettler
	Dialer    *Dialer
	Records   AttemptLog
	Finance   FinanceDesk
	Notifier  notify.Notifier
	Scheduler TaskScheduler
	Locker    Locker
	Metrics   *metrics.Metrics
}

// Manager owns the session lifecycle and is the only caller that moves
// money for a session.
//
// Rules:
// - Decisions are made on state read from the store, never on a cached copy.
// - Capture, refund and cancel run under the per-session settlement lock and
//   are written back with a compare-and-set on the prior payment status.
// - Notifications are best effort; settlement errors are returned.
type Manager struct {
	store     sessions.Store
	payments  PaymentSettler
	dialer    *Dialer
	records   AttemptLog
	finance   FinanceDesk
	notifier  notify.Notifier
	scheduler TaskScheduler
	locker    Locker
	metrics   *metrics.Metrics

	lockWait time.Duration
	clock    func() time.Time
}

func NewManager(d Deps) *Manager {
	return &Manager{
		store:     d.Sessions,
		payments:  d.Payments,
		dialer:    d.Dialer,
		records:   d.Records,
		finance:   d.Finance,
		notifier:  d.Notifier,
		scheduler: d.Scheduler,
		locker:    d.Locker,
		metrics:   d.Metrics,
		lockWait:  settleLockWait,
		clock:     time.Now,
	}
}

func (m *Manager) Get(ctx context.Context, id string) (sessions.CallSession, error) {
	return m.store.Get(ctx, id)
}

// CreateSession persists a new pending session for an already authorized
// payment.
func (m *Manager) CreateSession(ctx context.Context, p CreateSessionParams) (sessions.CallSession, error) {
	p.Currency = strings.ToLower(strings.TrimSpace(p.Currency))
	p.Language = strings.ToLower(strings.TrimSpace(p.Language))
	if p.Language == "" {
		p.Language = "fr"
	}
	if err := validate.Struct(p); err != nil {
		return sessions.CallSession{}, err
	}
	prov, cli, err := sessions.ValidatePair(ctx, p.ProviderPhone, p.ClientPhone)
	if err != nil {
		return sessions.CallSession{}, err
	}

	now := m.clock().UTC()
	s := sessions.CallSession{
		ID:     p.SessionID,
		Status: sessions.StatusPending,
		Participants: sessions.Participants{
			Provider: sessions.Participant{Phone: prov, Status: sessions.ParticipantPending},
			Client:   sessions.Participant{Phone: cli, Status: sessions.ParticipantPending},
		},
		Conference: sessions.Conference{Name: fmt.Sprintf("conf_%s_%d", p.SessionID, now.Unix())},
		Payment: sessions.Payment{
			IntentID: p.PaymentIntentID,
			Status:   sessions.PaymentAuthorized,
			Amount:   p.AmountMinor,
			Currency: p.Currency,
		},
		Metadata: sessions.Metadata{
			ProviderID:   p.ProviderID,
			ClientID:     p.ClientID,
			ServiceType:  p.ServiceType,
			ProviderType: p.ProviderType,
			MaxDuration:  pricing.MaxDurationSeconds(string(p.ProviderType)),
			Language:     p.Language,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}
	if err := m.store.Create(ctx, s); err != nil {
		return sessions.CallSession{}, err
	}

	m.recordSession(ctx, s.ID, audit.EventSagaStarted, "session created", map[string]any{
		"payment_intent_id": s.Payment.IntentID,
		"max_duration":      s.Metadata.MaxDuration,
	})
	sessionLogger(ctx, s.ID).Info("call session created",
		"provider_type", s.Metadata.ProviderType,
		"max_duration", s.Metadata.MaxDuration,
	)
	return s, nil
}

// BookSession confirms the payment is held at the gateway, creates the
// session and schedules the saga start. The amount always comes from the
// payment record.
func (m *Manager) BookSession(ctx context.Context, p CreateSessionParams, delay time.Duration) (sessions.CallSession, error) {
	if _, err := m.store.Get(ctx, p.SessionID); err == nil {
		return sessions.CallSession{}, sessions.ErrAlreadyExists
	} else if !errors.Is(err, sessions.ErrNotFound) {
		return sessions.CallSession{}, err
	}

	pay, err := m.payments.ConfirmAuthorized(ctx, p.PaymentIntentID)
	if err != nil {
		return sessions.CallSession{}, err
	}
	if pay.SessionID != "" && pay.SessionID != p.SessionID {
		return sessions.CallSession{}, apperr.Validation("payment intent %s belongs to another session", p.PaymentIntentID)
	}
	if pay.ClientID != p.ClientID || pay.ProviderID != p.ProviderID {
		return sessions.CallSession{}, apperr.Validation("payment intent %s was authorized for other parties", p.PaymentIntentID)
	}
	p.AmountMinor, p.Currency = pay.AmountMinor, pay.Currency

	s, err := m.CreateSession(ctx, p)
	if err != nil {
		return sessions.CallSession{}, err
	}

	if delay <= 0 {
		delay = DefaultStartDelay
	}
	taskID, err := m.scheduler.ScheduleCallTask(ctx, s.ID, delay)
	if err != nil {
		sessionLogger(ctx, s.ID).Error("schedule call task failed", "err", err)
		if cerr := m.CancelSession(ctx, s.ID, ReasonScheduleFailed); cerr != nil {
			sessionLogger(ctx, s.ID).Error("rollback of unscheduled session failed", "err", cerr)
		}
		return sessions.CallSession{}, apperr.External("task scheduler", err)
	}
	if err := m.store.Update(ctx, s.ID, sessions.NewUpdate().TaskID(taskID)); err != nil {
		return sessions.CallSession{}, err
	}
	s.Metadata.TaskID = taskID
	return s, nil
}

// CapturePaymentForSession captures the session's authorization when the
// call qualifies. It returns false without error when the payment was
// already captured, the call does not qualify, or another caller is
// settling the session right now.
func (m *Manager) CapturePaymentForSession(ctx context.Context, id string) (bool, error) {
	var captured bool
	_, err := m.withSettlementLock(ctx, id, false, func() error {
		var err error
		captured, err = m.captureLocked(ctx, id)
		return err
	})
	return captured, err
}

func (m *Manager) captureLocked(ctx context.Context, id string) (bool, error) {
	ctx, l := logger.WithAttrs(ctx, "session_id", id)

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if s.Payment.Status == sessions.PaymentCaptured {
		return false, nil
	}
	if s.Status == sessions.StatusFailed || s.Status == sessions.StatusCancelled {
		return false, nil
	}
	if !ShouldCapturePayment(s) {
		l.Info("capture conditions not met",
			"duration", s.Conference.Duration,
			"payment_status", s.Payment.Status,
			"provider_status", s.Participants.Provider.Status,
			"client_status", s.Participants.Client.Status,
		)
		return false, nil
	}

	if _, err := m.payments.CapturePayment(ctx, s.Payment.IntentID); err != nil {
		l.Error("payment capture failed", "intent_id", s.Payment.IntentID, "err", err)
		if aerr := m.HandlePaymentAnomaly(ctx, id, finance.ReasonCaptureFailed); aerr != nil {
			l.Error("payment anomaly handling failed", "err", aerr)
		}
		now := m.clock().UTC()
		_, _ = m.store.UpdateIf(ctx, id, sessions.NotTerminal(),
			sessions.NewUpdate().Status(sessions.StatusFailed).FailureReason(finance.ReasonCaptureFailed).CompletedAt(now))
		return false, err
	}

	now := m.clock().UTC()
	guard := sessions.Guard{
		Statuses:        sessions.LiveStatuses,
		PaymentStatuses: []sessions.PaymentStatus{sessions.PaymentAuthorized},
	}
	ok, err := m.store.UpdateIf(ctx, id, guard, sessions.NewUpdate().
		PaymentStatus(sessions.PaymentCaptured).
		PaymentCapturedAt(now).
		Status(sessions.StatusCompleted).
		CompletedAt(now))
	if err != nil {
		m.openTicket(ctx, s, ReasonCaptureConflict)
		return false, err
	}
	if !ok {
		l.Error("session changed while capturing; money held at gateway")
		m.openTicket(ctx, s, ReasonCaptureConflict)
		return false, nil
	}

	l.Info("payment captured", "intent_id", s.Payment.IntentID, "duration", s.Conference.Duration)
	m.metrics.SessionOutcome(string(sessions.StatusCompleted))
	m.recordSession(ctx, id, audit.EventSessionCompleted, "payment captured", map[string]any{
		"duration": s.Conference.Duration,
	})
	if m.finance != nil {
		if _, err := m.finance.RequestReview(ctx, id, s.Metadata.ClientID, s.Metadata.ProviderID, string(s.Metadata.ServiceType)); err != nil {
			l.Error("review request failed", "err", err)
		}
	}
	notify.SendAll(ctx, m.notifier, completedMessages(s)...)
	return true, nil
}

// HandleCallFailure fails the session, tells both parties and releases the
// payment: refund when captured, cancel otherwise.
func (m *Manager) HandleCallFailure(ctx context.Context, id, reason string) error {
	return m.fail(ctx, id, reason, func(s sessions.CallSession) []notify.Message {
		return failureMessages(s, reason)
	})
}

// HandleCallCompletion settles a call that ended normally.
func (m *Manager) HandleCallCompletion(ctx context.Context, id string, durationSeconds int) error {
	return m.settleByDuration(ctx, id, "", durationSeconds)
}

// HandleEarlyDisconnection settles a call that who hung up.
func (m *Manager) HandleEarlyDisconnection(ctx context.Context, id string, who sessions.Role, durationSeconds int) error {
	return m.settleByDuration(ctx, id, who, durationSeconds)
}

func (m *Manager) settleByDuration(ctx context.Context, id string, who sessions.Role, seconds int) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return nil
	}
	if err := m.recordDuration(ctx, s, seconds); err != nil {
		return err
	}

	if seconds < MinBillableSeconds {
		return m.fail(ctx, id, ReasonTooShort, func(s sessions.CallSession) []notify.Message {
			return tooShortMessages(s, who, seconds)
		})
	}

	captured, err := m.CapturePaymentForSession(ctx, id)
	if err != nil || captured {
		return err
	}

	// Not captured here: another path settled it, or it cannot be billed.
	s, err = m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Payment.Status == sessions.PaymentCaptured || s.Status.Terminal() {
		return nil
	}
	return m.HandleCallFailure(ctx, id, ReasonNotCapturable)
}

// recordDuration keeps the longest reported duration and backfills the
// conference start when its event was missed.
func (m *Manager) recordDuration(ctx context.Context, s sessions.CallSession, seconds int) error {
	u := sessions.NewUpdate()
	if seconds > s.Conference.Duration {
		u.ConferenceDuration(seconds)
	}
	if s.Conference.StartedAt == nil && seconds > 0 {
		u.ConferenceStartedAt(m.clock().UTC().Add(-time.Duration(seconds) * time.Second))
	}
	if u.Empty() {
		return nil
	}
	return m.store.Update(ctx, s.ID, u)
}

func (m *Manager) fail(ctx context.Context, id, reason string, messages func(sessions.CallSession) []notify.Message) error {
	got, err := m.withSettlementLock(ctx, id, true, func() error {
		return m.failLocked(ctx, id, reason, messages)
	})
	if err == nil && !got {
		sessionLogger(ctx, id).Warn("settlement busy, failure not applied", "reason", reason)
	}
	return err
}

func (m *Manager) failLocked(ctx context.Context, id, reason string, messages func(sessions.CallSession) []notify.Message) error {
	ctx, l := logger.WithAttrs(ctx, "session_id", id)

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	now := m.clock().UTC()
	transitioned, err := m.store.UpdateIf(ctx, id, sessions.NotTerminal(), sessions.NewUpdate().
		Status(sessions.StatusFailed).
		FailureReason(reason).
		CompletedAt(now))
	if err != nil {
		return err
	}
	if !transitioned && s.Status != sessions.StatusFailed {
		return nil
	}

	// A failed session whose release errored earlier is retried here.
	relErr := m.releasePayment(ctx, s, reason)

	if transitioned {
		l.Warn("call session failed", "reason", reason)
		m.metrics.SessionOutcome(string(sessions.StatusFailed))
		m.recordSession(ctx, id, audit.EventSessionFailed, reason, nil)
		notify.SendAll(ctx, m.notifier, messages(s)...)
	}
	return relErr
}

// releasePayment refunds a captured payment or cancels an uncaptured one,
// deciding from the settlement record rather than the session copy.
func (m *Manager) releasePayment(ctx context.Context, s sessions.CallSession, reason string) error {
	switch s.Payment.Status {
	case sessions.PaymentRefunded, sessions.PaymentCanceled:
		return nil
	}
	intent := s.Payment.IntentID

	p, err := m.payments.Get(ctx, intent)
	if err != nil {
		m.openTicket(ctx, s, finance.ReasonRefundFailed)
		return fmt.Errorf("release payment for session %s: %w", s.ID, err)
	}

	now := m.clock().UTC()
	u := sessions.NewUpdate()
	switch p.Status {
	case payments.StatusRefunded:
		u.PaymentStatus(sessions.PaymentRefunded)
	case payments.StatusCanceled:
		u.PaymentStatus(sessions.PaymentCanceled)
	case payments.StatusCaptured, payments.StatusSucceeded, payments.StatusPartiallyRefunded:
		if _, err := m.payments.RefundPayment(ctx, intent, 0, reason); err != nil {
			m.openTicket(ctx, s, finance.ReasonRefundFailed)
			return fmt.Errorf("refund session %s: %w", s.ID, err)
		}
		u.PaymentStatus(sessions.PaymentRefunded).PaymentRefundedAt(now)
	default:
		if _, err := m.payments.CancelPayment(ctx, intent, cancelReason(reason)); err != nil {
			m.openTicket(ctx, s, ReasonCancelFailed)
			return fmt.Errorf("cancel authorization for session %s: %w", s.ID, err)
		}
		u.PaymentStatus(sessions.PaymentCanceled)
	}

	guard := sessions.Guard{PaymentStatuses: []sessions.PaymentStatus{
		sessions.PaymentPending,
		sessions.PaymentAuthorized,
		sessions.PaymentCaptured,
		sessions.PaymentFailed,
	}}
	_, err = m.store.UpdateIf(ctx, s.ID, guard, u)
	return err
}

func cancelReason(reason string) string {
	if reason == ReasonCancelled {
		return "requested_by_customer"
	}
	return "abandoned"
}

// HandlePaymentAnomaly records a payment problem during a session: the
// payment is marked failed, both parties are told and finance gets a ticket.
func (m *Manager) HandlePaymentAnomaly(ctx context.Context, id, reason string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	ctx, l := logger.WithAttrs(ctx, "session_id", id)

	if _, err := m.payments.MarkFailed(ctx, s.Payment.IntentID, reason); err != nil {
		l.Error("mark payment failed", "err", err)
	}
	guard := sessions.Guard{PaymentStatuses: []sessions.PaymentStatus{sessions.PaymentPending, sessions.PaymentAuthorized}}
	ok, err := m.store.UpdateIf(ctx, id, guard, sessions.NewUpdate().
		PaymentStatus(sessions.PaymentFailed).
		PaymentFailureReason(reason))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	l.Warn("payment anomaly", "reason", reason)
	m.recordSession(ctx, id, audit.EventPaymentAnomaly, reason, nil)
	m.openTicket(ctx, s, reason)
	notify.SendAll(ctx, m.notifier, anomalyMessages(s, reason)...)
	return nil
}

// CancelSession cancels a session before its saga starts and releases the
// authorization.
func (m *Manager) CancelSession(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = ReasonCancelled
	}
	got, err := m.withSettlementLock(ctx, id, true, func() error {
		return m.cancelLocked(ctx, id, reason)
	})
	if err == nil && !got {
		return apperr.Conflict("session %s is being settled", id)
	}
	return err
}

func (m *Manager) cancelLocked(ctx context.Context, id, reason string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == sessions.StatusCancelled {
		return nil
	}
	if s.Status != sessions.StatusPending {
		return apperr.Precondition("session %s is %s and can no longer be cancelled", id, s.Status)
	}

	now := m.clock().UTC()
	ok, err := m.store.UpdateIf(ctx, id, sessions.Guard{Statuses: []sessions.Status{sessions.StatusPending}},
		sessions.NewUpdate().Status(sessions.StatusCancelled).FailureReason(reason).CompletedAt(now))
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Precondition("session %s already started", id)
	}

	ctx, l := logger.WithAttrs(ctx, "session_id", id)
	if s.Metadata.TaskID != "" && m.scheduler != nil {
		if err := m.scheduler.CancelCallTask(ctx, s.Metadata.TaskID); err != nil {
			l.Warn("cancel call task failed", "task_id", s.Metadata.TaskID, "err", err)
		}
	}

	relErr := m.releasePayment(ctx, s, reason)
	l.Info("call session cancelled", "reason", reason)
	m.metrics.SessionOutcome(string(sessions.StatusCancelled))
	m.recordSession(ctx, id, audit.EventSessionCancelled, reason, nil)
	notify.SendAll(ctx, m.notifier, cancelledMessages(s)...)
	return relErr
}

var preActive = []sessions.Status{
	sessions.StatusPending,
	sessions.StatusProviderConnecting,
	sessions.StatusClientConnecting,
	sessions.StatusBothConnecting,
}

// PromoteIfBothConnected moves the session to active once both participants
// are in the call.
func (m *Manager) PromoteIfBothConnected(ctx context.Context, id string) (bool, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !s.Participants.BothConnected() {
		return false, nil
	}
	ok, err := m.store.UpdateIf(ctx, id, sessions.Guard{Statuses: preActive}, sessions.NewUpdate().Status(sessions.StatusActive))
	if ok {
		sessionLogger(ctx, id).Info("call session active")
	}
	return ok, err
}

// withSettlementLock runs fn under the session's settlement lock. With wait
// set it retries until settleLockWait; otherwise a busy lock returns false.
func (m *Manager) withSettlementLock(ctx context.Context, id string, wait bool, fn func() error) (bool, error) {
	if m.locker == nil {
		return true, fn()
	}
	key, token := captureLockKey(id), uuid.NewString()

	acquire := func() error {
		ok, err := m.locker.Acquire(ctx, key, token, settleLockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return errLockBusy
		}
		return nil
	}

	var err error
	if wait {
		err = retry.Do(acquire,
			retry.Attempts(uint(m.lockWait/settleLockPoll)+1),
			retry.Delay(settleLockPoll),
			retry.DelayType(retry.FixedDelay),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
		)
	} else {
		err = acquire()
	}
	if errors.Is(err, errLockBusy) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settlement lock: %w", err)
	}
	defer func() {
		if rerr := m.locker.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
			sessionLogger(ctx, id).Warn("settlement lock release failed", "err", rerr)
		}
	}()
	return true, fn()
}

// sessionLogger is the ctx logger scoped to the session. Contexts already
// scoped by the caller are not scoped twice.
func sessionLogger(ctx context.Context, id string) *slog.Logger {
	_, l := logger.WithAttrs(ctx, "session_id", id)
	return l
}

func (m *Manager) recordSession(ctx context.Context, id string, ev audit.EventType, msg string, meta map[string]any) {
	if m.records == nil {
		return
	}
	if err := m.records.LogSession(ctx, id, ev, msg, meta); err != nil {
		sessionLogger(ctx, id).Error("call record append failed", "event", ev, "err", err)
	}
}

func (m *Manager) openTicket(ctx context.Context, s sessions.CallSession, reason string) {
	if m.finance == nil {
		return
	}
	_, err := m.finance.OpenTicket(ctx, finance.TicketRequest{
		SessionID:       s.ID,
		PaymentIntentID: s.Payment.IntentID,
		Reason:          reason,
		AmountMinor:     s.Payment.Amount,
		Currency:        s.Payment.Currency,
	})
	if err != nil {
		sessionLogger(ctx, s.ID).Error("finance ticket failed", "reason", reason, "err", err)
	}
}
