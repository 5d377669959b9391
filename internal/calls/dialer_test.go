package calls

import (
	"context"
	"testing"

	"consultline/internal/sessions"

	"github.com/stretchr/testify/require"
)

func newDialerSession(t *testing.T, store *sessions.MemoryRepo, status sessions.Status) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), sessions.CallSession{
		ID:     "d1",
		Status: status,
		Participants: sessions.Participants{
			Provider: sessions.Participant{Phone: providerPhone, Status: sessions.ParticipantPending},
			Client:   sessions.Participant{Phone: clientPhone, Status: sessions.ParticipantPending},
		},
		Conference: sessions.Conference{Name: "conf_d1_1"},
		Payment:    sessions.Payment{IntentID: "pi_d1", Status: sessions.PaymentAuthorized},
	}))
}

func dialReq() DialRequest {
	return DialRequest{
		SessionID:      "d1",
		Role:           sessions.RoleProvider,
		Phone:          providerPhone,
		ConferenceName: "conf_d1_1",
		TimeLimit:      1500,
		MaxAttempts:    MaxAttempts,
	}
}

func TestRetryBound(t *testing.T) {
	store := sessions.NewMemoryRepo()
	newDialerSession(t, store, sessions.StatusProviderConnecting)
	prov := newFakeProvider(store)
	prov.session = "d1"

	ok, err := NewDialer(store, prov, nil, nil, fastDialer()).CallParticipantWithRetries(context.Background(), dialReq())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 3, prov.count(providerPhone))
	require.Len(t, prov.hangups, 3)

	p, err := store.Get(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, sessions.ParticipantNoAnswer, p.Participants.Provider.Status)
	require.Equal(t, 3, p.Participants.Provider.AttemptCount)
	require.Equal(t, "CA_provider_3", p.Participants.Provider.CallSID)
}

func TestDialerStopsOnConnect(t *testing.T) {
	store := sessions.NewMemoryRepo()
	newDialerSession(t, store, sessions.StatusProviderConnecting)
	prov := newFakeProvider(store)
	prov.session = "d1"
	prov.plan(providerPhone, noAnswer, noAnswer, answer)

	ok, err := NewDialer(store, prov, nil, nil, fastDialer()).CallParticipantWithRetries(context.Background(), dialReq())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, prov.count(providerPhone))
}

func TestDialerSkipsClosedSession(t *testing.T) {
	store := sessions.NewMemoryRepo()
	newDialerSession(t, store, sessions.StatusCancelled)
	prov := newFakeProvider(store)
	prov.session = "d1"

	ok, err := NewDialer(store, prov, nil, nil, fastDialer()).CallParticipantWithRetries(context.Background(), dialReq())
	require.ErrorIs(t, err, ErrSessionClosed)
	require.False(t, ok)
	require.Zero(t, prov.count(providerPhone))
}

func TestDialerConstants(t *testing.T) {
	cfg := DialerConfig{}.withDefaults()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, PollInterval, cfg.PollInterval)
	require.Equal(t, ConnectTimeout, cfg.ConnectTimeout)
	require.Equal(t, RetryDelay, cfg.RetryDelay)
	require.Equal(t, 120, MinBillableSeconds)
}
