package webhooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"consultline/internal/calls"
	"consultline/internal/payments"
	"consultline/internal/sessions"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type call struct {
	op      string
	id      string
	arg     string
	seconds int
}

type fakeLifecycle struct {
	mu        sync.Mutex
	calls     []call
	store     sessions.Store
	captured  bool
	cancelErr error
	// settle ends the session the way the manager would for the billed time.
	settle bool
}

func (f *fakeLifecycle) add(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeLifecycle) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.op)
	}
	return out
}

func (f *fakeLifecycle) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeLifecycle) PromoteIfBothConnected(ctx context.Context, id string) (bool, error) {
	f.add(call{op: "promote", id: id})
	s, err := f.store.Get(ctx, id)
	if err != nil || !s.Participants.BothConnected() {
		return false, err
	}
	return true, f.store.Update(ctx, id, sessions.NewUpdate().Status(sessions.StatusActive))
}

func (f *fakeLifecycle) HandleCallFailure(ctx context.Context, id, reason string) error {
	f.add(call{op: "failure", id: id, arg: reason})
	return nil
}

func (f *fakeLifecycle) HandleCallCompletion(ctx context.Context, id string, seconds int) error {
	f.add(call{op: "completion", id: id, seconds: seconds})
	return f.settleFor(ctx, id, seconds)
}

func (f *fakeLifecycle) HandleEarlyDisconnection(ctx context.Context, id string, who sessions.Role, seconds int) error {
	f.add(call{op: "early", id: id, arg: string(who), seconds: seconds})
	return f.settleFor(ctx, id, seconds)
}

func (f *fakeLifecycle) settleFor(ctx context.Context, id string, seconds int) error {
	if !f.settle {
		return nil
	}
	u := sessions.NewUpdate().Status(sessions.StatusFailed).PaymentStatus(sessions.PaymentCanceled)
	if seconds >= calls.MinBillableSeconds {
		u = sessions.NewUpdate().Status(sessions.StatusCompleted).PaymentStatus(sessions.PaymentCaptured)
	}
	return f.store.Update(ctx, id, u)
}

func (f *fakeLifecycle) CapturePaymentForSession(ctx context.Context, id string) (bool, error) {
	f.add(call{op: "capture", id: id})
	return f.captured, nil
}

func (f *fakeLifecycle) CancelSession(ctx context.Context, id, reason string) error {
	f.add(call{op: "cancel", id: id, arg: reason})
	if f.cancelErr != nil {
		return f.cancelErr
	}
	return f.store.Update(ctx, id, sessions.NewUpdate().Status(sessions.StatusCancelled))
}

func (f *fakeLifecycle) HandlePaymentAnomaly(ctx context.Context, id, reason string) error {
	f.add(call{op: "anomaly", id: id, arg: reason})
	return nil
}

type fakeGateway struct {
	events []payments.GatewayEvent
	known  map[string]bool
}

func (g *fakeGateway) ApplyGatewayEvent(ctx context.Context, ev payments.GatewayEvent) (payments.Payment, error) {
	if !g.known[ev.IntentID] {
		return payments.Payment{}, payments.ErrNotFound
	}
	g.events = append(g.events, ev)
	return payments.Payment{IntentID: ev.IntentID, Status: ev.Status}, nil
}

type harness struct {
	h     *Handler
	r     *gin.Engine
	store *sessions.MemoryRepo
	life  *fakeLifecycle
	gw    *fakeGateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := sessions.NewMemoryRepo()
	life := &fakeLifecycle{store: store}
	gw := &fakeGateway{known: map[string]bool{}}

	h := NewHandler(store, life, gw, nil, "whsec_test")
	h.clock = func() time.Time { return testNow }
	r := gin.New()
	h.Register(r, nil)
	return &harness{h: h, r: r, store: store, life: life, gw: gw}
}

// seed stores a session in the given status with dialed call sids.
func (h *harness) seed(t *testing.T, id string, st sessions.Status) sessions.CallSession {
	t.Helper()
	s := sessions.CallSession{
		ID:     id,
		Status: st,
		Participants: sessions.Participants{
			Provider: sessions.Participant{Phone: "+33612345678", Status: sessions.ParticipantPending, CallSID: "CA_p_" + id, AttemptCount: 1},
			Client:   sessions.Participant{Phone: "+14155552671", Status: sessions.ParticipantPending, CallSID: "CA_c_" + id, AttemptCount: 1},
		},
		Conference: sessions.Conference{Name: "conf_" + id},
		Payment:    sessions.Payment{IntentID: "pi_" + id, Status: sessions.PaymentAuthorized, Amount: 4900, Currency: "eur"},
	}
	require.NoError(t, h.store.Create(context.Background(), s))
	return s
}

func (h *harness) update(t *testing.T, id string, u *sessions.Update) {
	t.Helper()
	require.NoError(t, h.store.Update(context.Background(), id, u))
}

func (h *harness) get(t *testing.T, id string) sessions.CallSession {
	t.Helper()
	s, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) post(t *testing.T, path string, form url.Values) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.r.ServeHTTP(w, req)
	return w.Code
}

func callStatus(sid, status string) url.Values {
	return url.Values{"CallSid": {sid}, "CallStatus": {status}}
}

func conferenceEvent(id, event, label string) url.Values {
	v := url.Values{
		"ConferenceSid":       {"CF_" + id},
		"FriendlyName":        {"conf_" + id},
		"StatusCallbackEvent": {event},
	}
	if label != "" {
		v.Set("ParticipantLabel", label)
	}
	return v
}

func at(d time.Duration) string {
	return testNow.Add(d).Format(time.RFC1123Z)
}

