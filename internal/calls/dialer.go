package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"consultline/internal/audit"
	"consultline/internal/metrics"
	"consultline/internal/sessions"
	"consultline/internal/telephony"
	"consultline/pkg/logger"

	"github.com/avast/retry-go"
)

type DialerConfig struct {
	MaxAttempts    int
	PollInterval   time.Duration
	ConnectTimeout time.Duration
	RetryDelay     time.Duration

	// Webhook endpoints handed to the telephony provider.
	CallStatusURL string
	ConferenceURL string
	RecordingURL  string
}

func (c DialerConfig) withDefaults() DialerConfig {
	out := c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = MaxAttempts
	}
	if out.PollInterval <= 0 {
		out.PollInterval = PollInterval
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = ConnectTimeout
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = RetryDelay
	}
	return out
}

// Dialer gets one participant into the conference with a bounded number of
// outbound call attempts.
type Dialer struct {
	store    sessions.Store
	provider telephony.Provider
	records  AttemptLog
	metrics  *metrics.Metrics
	cfg      DialerConfig
}

func NewDialer(store sessions.Store, provider telephony.Provider, records AttemptLog, m *metrics.Metrics, cfg DialerConfig) *Dialer {
	return &Dialer{
		store:    store,
		provider: provider,
		records:  records,
		metrics:  m,
		cfg:      cfg.withDefaults(),
	}
}

// DialRequest identifies the leg to place.
type DialRequest struct {
	SessionID      string
	Role           sessions.Role
	Phone          string
	ConferenceName string
	// TimeLimit caps the leg in seconds.
	TimeLimit   int
	Language    string
	MaxAttempts int
}

// CallParticipantWithRetries dials req.Phone until the participant connects
// or MaxAttempts calls went unanswered. It returns false, nil when attempts
// are exhausted and ErrSessionClosed when the session finished meanwhile.
func (d *Dialer) CallParticipantWithRetries(ctx context.Context, req DialRequest) (bool, error) {
	ctx, l := logger.WithAttrs(ctx, "session_id", req.SessionID, "role", string(req.Role))

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}

	s, err := d.store.Get(ctx, req.SessionID)
	if err != nil {
		return false, err
	}
	attempt := s.Participants.Get(req.Role).AttemptCount

	err = retry.Do(
		func() error {
			attempt++
			return d.attemptOnce(ctx, l, req, attempt)
		},
		retry.Attempts(uint(maxAttempts)),
		retry.Delay(d.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrSessionClosed) && !errors.Is(err, errInvalidLeg) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			l.Info("participant not connected, retrying", "attempt", n+1, "err", err)
		}),
	)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrSessionClosed):
		return false, ErrSessionClosed
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, errInvalidLeg):
		return false, err
	}

	l.Warn("participant exhausted", "attempts", attempt, "err", err)
	_ = d.store.Update(ctx, req.SessionID, sessions.NewUpdate().ParticipantStatus(req.Role, sessions.ParticipantNoAnswer))
	d.record(ctx, req, audit.EventParticipantExhausted, attempt, "", err.Error())
	return false, nil
}

func (d *Dialer) attemptOnce(ctx context.Context, l *slog.Logger, req DialRequest, attempt int) error {
	s, err := d.store.Get(ctx, req.SessionID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return ErrSessionClosed
	}

	twiml, err := telephony.ConferenceTwiML(telephony.ConferenceJoin{
		Label:             string(req.Role),
		Host:              req.Role == sessions.RoleProvider,
		Language:          req.Language,
		ConferenceName:    req.ConferenceName,
		TimeLimit:         req.TimeLimit,
		StatusCallback:    d.cfg.ConferenceURL,
		RecordingCallback: d.cfg.RecordingURL,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidLeg, err)
	}

	// Clearing the call sid detaches webhooks from the previous attempt.
	reset := sessions.NewUpdate().
		ParticipantStatus(req.Role, sessions.ParticipantPending).
		ParticipantCallSID(req.Role, "").
		ParticipantAttemptCount(req.Role, attempt)
	if err := d.store.Update(ctx, req.SessionID, reset); err != nil {
		return err
	}
	d.record(ctx, req, audit.EventAttemptStarted, attempt, "", "")

	res, err := d.provider.PlaceCall(ctx, telephony.PlaceCallRequest{
		To:             req.Phone,
		TwiML:          twiml,
		StatusCallback: d.cfg.CallStatusURL,
		RingTimeout:    int(d.cfg.ConnectTimeout / time.Second),
	})
	if err != nil {
		d.metrics.Attempt(string(req.Role), "dial_error")
		d.record(ctx, req, audit.EventAttemptFailed, attempt, "", err.Error())
		return fmt.Errorf("attempt %d: place call: %w", attempt, err)
	}
	if err := d.store.Update(ctx, req.SessionID, sessions.NewUpdate().ParticipantCallSID(req.Role, res.CallSID)); err != nil {
		return err
	}
	l.Info("call placed", "attempt", attempt, "call_sid", res.CallSID)

	connected, err := d.waitConnected(ctx, req)
	if err != nil {
		d.hangup(ctx, l, res.CallSID)
		return err
	}
	if !connected {
		d.hangup(ctx, l, res.CallSID)
		d.metrics.Attempt(string(req.Role), "no_answer")
		d.record(ctx, req, audit.EventAttemptFailed, attempt, res.CallSID, "not connected")
		return fmt.Errorf("attempt %d: %w", attempt, errNotConnected)
	}

	d.metrics.Attempt(string(req.Role), "connected")
	d.record(ctx, req, audit.EventAttemptConnected, attempt, res.CallSID, "")
	return nil
}

// waitConnected polls the session every PollInterval up to ConnectTimeout.
// It stops early when the participant is reported unreachable.
func (d *Dialer) waitConnected(ctx context.Context, req DialRequest) (bool, error) {
	deadline := time.NewTimer(d.cfg.ConnectTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
			s, err := d.store.Get(ctx, req.SessionID)
			if err != nil {
				return false, err
			}
			if s.Status.Terminal() {
				return false, ErrSessionClosed
			}
			switch s.Participants.Get(req.Role).Status {
			case sessions.ParticipantConnected:
				return true, nil
			case sessions.ParticipantDisconnected, sessions.ParticipantNoAnswer:
				return false, nil
			}
		}
	}
}

func (d *Dialer) hangup(ctx context.Context, l *slog.Logger, callSID string) {
	if callSID == "" {
		return
	}
	// The session context may already be done; hang up regardless.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.provider.HangupCall(hctx, callSID); err != nil {
		l.Warn("hangup failed", "call_sid", callSID, "err", err)
	}
}

func (d *Dialer) record(ctx context.Context, req DialRequest, ev audit.EventType, attempt int, callSID, msg string) {
	if d.records == nil {
		return
	}
	if err := d.records.LogAttempt(ctx, req.SessionID, string(req.Role), ev, attempt, callSID, msg); err != nil {
		sessionLogger(ctx, req.SessionID).Error("call record append failed", "event", ev, "err", err)
	}
}
