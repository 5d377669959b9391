package calls

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"consultline/internal/audit"
	"consultline/internal/finance"
	"consultline/internal/notify"
	"consultline/internal/payments"
	"consultline/internal/sessions"
	"consultline/internal/telephony"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	providerPhone = "+33612345678"
	clientPhone   = "+14155552671"
)

type outcome int

const (
	silent outcome = iota
	answer
	noAnswer
)

// fakeProvider stands in for the telephony provider and for the call-status
// webhooks it would trigger.
type fakeProvider struct {
	mu      sync.Mutex
	store   sessions.Store
	session string
	roles   map[string]sessions.Role
	script  map[string][]outcome
	calls   map[string]int
	hangups []string
}

func newFakeProvider(store sessions.Store) *fakeProvider {
	return &fakeProvider{
		store:  store,
		roles:  map[string]sessions.Role{providerPhone: sessions.RoleProvider, clientPhone: sessions.RoleClient},
		script: map[string][]outcome{},
		calls:  map[string]int{},
	}
}

func (f *fakeProvider) plan(phone string, outcomes ...outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[phone] = outcomes
}

func (f *fakeProvider) count(phone string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[phone]
}

func (f *fakeProvider) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	f.mu.Lock()
	n := f.calls[req.To]
	f.calls[req.To]++
	out := silent
	if n < len(f.script[req.To]) {
		out = f.script[req.To][n]
	}
	role, session := f.roles[req.To], f.session
	f.mu.Unlock()

	switch out {
	case answer:
		u := sessions.NewUpdate().
			ParticipantStatus(role, sessions.ParticipantConnected).
			ParticipantConnectedAt(role, time.Now())
		if err := f.store.Update(ctx, session, u); err != nil {
			return telephony.PlaceCallResult{}, err
		}
	case noAnswer:
		if err := f.store.Update(ctx, session, sessions.NewUpdate().ParticipantStatus(role, sessions.ParticipantNoAnswer)); err != nil {
			return telephony.PlaceCallResult{}, err
		}
	}
	return telephony.PlaceCallResult{CallSID: fmt.Sprintf("CA_%s_%d", role, n+1), Status: "queued"}, nil
}

func (f *fakeProvider) HangupCall(ctx context.Context, callSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callSID)
	return nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[string]time.Duration
	cancelled []string
	err       error
}

func (s *fakeScheduler) ScheduleCallTask(ctx context.Context, sessionID string, delay time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.scheduled[sessionID] = delay
	return "task-" + sessionID, nil
}

func (s *fakeScheduler) CancelCallTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, taskID)
	return nil
}

type harness struct {
	m       *Manager
	store   *sessions.MemoryRepo
	pay     *payments.Service
	gw      *payments.MemoryGateway
	fin     *finance.MemoryRepo
	records *audit.MemoryRepo
	notes   *notify.Recorder
	prov    *fakeProvider
	sched   *fakeScheduler
}

func fastDialer() DialerConfig {
	return DialerConfig{
		PollInterval:   2 * time.Millisecond,
		ConnectTimeout: 40 * time.Millisecond,
		RetryDelay:     time.Millisecond,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := sessions.NewMemoryRepo()
	gw := payments.NewMemoryGateway()
	pay := payments.NewService(payments.NewMemoryRepo(), payments.NewMemoryParties("client-1", "provider-1"), gw, nil)
	fin := finance.NewMemoryRepo()
	records := audit.NewMemoryRepo()
	notes := &notify.Recorder{}
	prov := newFakeProvider(store)
	sched := &fakeScheduler{scheduled: map[string]time.Duration{}}
	rec := audit.NewService(records)

	m := NewManager(Deps{
		Sessions:  store,
		Payments:  pay,
		Dialer:    NewDialer(store, prov, rec, nil, fastDialer()),
		Records:   rec,
		Finance:   finance.NewService(fin),
		Notifier:  notes,
		Scheduler: sched,
		Locker:    NewRedisLocker(rdb),
	})
	m.lockWait = 500 * time.Millisecond

	return &harness{m: m, store: store, pay: pay, gw: gw, fin: fin, records: records, notes: notes, prov: prov, sched: sched}
}

func params(id, intentID string) CreateSessionParams {
	return CreateSessionParams{
		SessionID:       id,
		ProviderID:      "provider-1",
		ClientID:        "client-1",
		ProviderPhone:   "+33 6 12 34 56 78",
		ClientPhone:     clientPhone,
		PaymentIntentID: intentID,
		ServiceType:     sessions.ServiceLawyerCall,
		ProviderType:    sessions.ProviderLawyer,
		Language:        "en",
	}
}

func (h *harness) authorize(t *testing.T, id string) string {
	t.Helper()
	res, err := h.pay.CreatePaymentIntent(context.Background(), payments.CreateIntentRequest{
		SessionID:       id,
		ClientID:        "client-1",
		ProviderID:      "provider-1",
		AmountMinor:     4900,
		CommissionMinor: 1900,
		ProviderMinor:   3000,
		Currency:        "eur",
	})
	require.NoError(t, err)
	return res.Payment.IntentID
}

func (h *harness) book(t *testing.T, id string) sessions.CallSession {
	t.Helper()
	h.prov.session = id
	s, err := h.m.BookSession(context.Background(), params(id, h.authorize(t, id)), 0)
	require.NoError(t, err)
	return s
}

func (h *harness) get(t *testing.T, id string) sessions.CallSession {
	t.Helper()
	s, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

// bridge marks both participants connected inside a started conference.
func (h *harness) bridge(t *testing.T, id string) {
	t.Helper()
	now := time.Now()
	u := sessions.NewUpdate().
		Status(sessions.StatusActive).
		ParticipantStatus(sessions.RoleProvider, sessions.ParticipantConnected).
		ParticipantConnectedAt(sessions.RoleProvider, now).
		ParticipantStatus(sessions.RoleClient, sessions.ParticipantConnected).
		ParticipantConnectedAt(sessions.RoleClient, now).
		ConferenceSID("CF1").
		ConferenceStartedAt(now)
	require.NoError(t, h.store.Update(context.Background(), id, u))
}
