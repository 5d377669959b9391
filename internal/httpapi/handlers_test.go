package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"consultline/internal/apperr"
	"consultline/internal/audit"
	"consultline/internal/auth"
	"consultline/internal/calls"
	"consultline/internal/finance"
	"consultline/internal/payments"
	"consultline/internal/pricing"
	"consultline/internal/reporting"
	"consultline/internal/sessions"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	byID      map[string]sessions.CallSession
	booked    []calls.CreateSessionParams
	delay     time.Duration
	cancelled []string
	cancelErr error
}

func (f *fakeSessions) Get(ctx context.Context, id string) (sessions.CallSession, error) {
	s, ok := f.byID[id]
	if !ok {
		return sessions.CallSession{}, sessions.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessions) BookSession(ctx context.Context, p calls.CreateSessionParams, delay time.Duration) (sessions.CallSession, error) {
	if _, ok := f.byID[p.SessionID]; ok {
		return sessions.CallSession{}, sessions.ErrAlreadyExists
	}
	f.booked = append(f.booked, p)
	f.delay = delay
	s := sessions.CallSession{ID: p.SessionID, Status: sessions.StatusPending,
		Metadata: sessions.Metadata{ClientID: p.ClientID, ProviderID: p.ProviderID}}
	f.byID[p.SessionID] = s
	return s, nil
}

func (f *fakeSessions) CancelSession(ctx context.Context, id, reason string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id+":"+reason)
	s := f.byID[id]
	s.Status = sessions.StatusCancelled
	f.byID[id] = s
	return nil
}

type fakePayments struct{ err error }

func (f fakePayments) CreatePaymentIntent(ctx context.Context, req payments.CreateIntentRequest) (payments.CreateIntentResult, error) {
	if f.err != nil {
		return payments.CreateIntentResult{}, f.err
	}
	return payments.CreateIntentResult{
		Payment:      payments.Payment{IntentID: "pi_1", ClientID: req.ClientID, Status: payments.StatusRequiresCapture},
		ClientSecret: "pi_1_secret",
	}, nil
}

type fakeStats struct{ got reporting.PaymentStatisticsRequest }

func (f *fakeStats) PaymentStatistics(ctx context.Context, req reporting.PaymentStatisticsRequest) (reporting.PaymentStatistics, error) {
	f.got = req
	return reporting.PaymentStatistics{CapturedCount: 2, RevenueMinor: 9800}, nil
}

func (f *fakeStats) AttemptsSummary(ctx context.Context, r reporting.TimeRange) (reporting.AttemptsSummary, error) {
	return reporting.AttemptsSummary{Attempts: 4, Connected: 2, ConnectionRate: 0.5}, nil
}

type fakeTickets struct{}

func (fakeTickets) TicketsForSession(ctx context.Context, id string) ([]finance.Ticket, error) {
	return []finance.Ticket{{SessionID: id, Reason: finance.ReasonCaptureFailed}}, nil
}

type apiHarness struct {
	r        *gin.Engine
	sessions *fakeSessions
	stats    *fakeStats
	records  *audit.MemoryRepo
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fs := &fakeSessions{byID: map[string]sessions.CallSession{
		"s1": {ID: "s1", Status: sessions.StatusPending, Metadata: sessions.Metadata{ClientID: "c1", ProviderID: "p1"}},
	}}
	st := &fakeStats{}
	records := audit.NewMemoryRepo()

	h := Handlers{
		Sessions: fs,
		Payments: fakePayments{},
		Stats:    st,
		Audit:    audit.NewService(records),
		Finance:  fakeTickets{},
		Pricing:  pricing.NewService(pricing.NewMemoryRepo()),

		DefaultCurrency: "eur",
		StartDelay:      5 * time.Minute,
	}

	r := gin.New()
	v1 := r.Group("/v1")
	// Tests pass identity as "X-Test-User: id/role".
	v1.Use(func(c *gin.Context) {
		if raw := c.GetHeader("X-Test-User"); raw != "" {
			parts := strings.SplitN(raw, "/", 2)
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), parts[0], parts[1]))
		}
		c.Next()
	})
	h.Register(v1)
	return &apiHarness{r: r, sessions: fs, stats: st, records: records}
}

func (a *apiHarness) do(t *testing.T, method, path, user, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

const bookBody = `{
  "sessionId": "s2",
  "providerId": "p1",
  "clientId": "c1",
  "providerPhone": "+33612345678",
  "clientPhone": "+14155552671",
  "paymentIntentId": "pi_1",
  "currency": "eur",
  "serviceType": "lawyer_call",
  "providerType": "lawyer"
}`

func TestCreateSessionSchedulesWithConfiguredDelay(t *testing.T) {
	a := newAPI(t)
	code, out := a.do(t, http.MethodPost, "/v1/call-sessions", "c1/client", bookBody)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "s2", out["id"])
	require.Len(t, a.sessions.booked, 1)
	require.Equal(t, 5*time.Minute, a.sessions.delay)
}

func TestCreateSessionRejectsOtherClient(t *testing.T) {
	a := newAPI(t)
	code, _ := a.do(t, http.MethodPost, "/v1/call-sessions", "c9/client", bookBody)
	require.Equal(t, http.StatusForbidden, code)

	code, _ = a.do(t, http.MethodPost, "/v1/call-sessions", "p1/provider", bookBody)
	require.Equal(t, http.StatusForbidden, code)
}

func TestCreateSessionDuplicateIsConflict(t *testing.T) {
	a := newAPI(t)
	body := strings.Replace(bookBody, `"s2"`, `"s1"`, 1)
	code, out := a.do(t, http.MethodPost, "/v1/call-sessions", "c1/client", body)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "conflict", out["kind"])
}

func TestCreatePaymentIntent(t *testing.T) {
	a := newAPI(t)
	body := `{"sessionId":"s2","clientId":"c1","providerId":"p1","amount":4900,"commissionAmount":900,"providerAmount":4000,"currency":"eur"}`
	code, out := a.do(t, http.MethodPost, "/v1/payments/intents", "c1/client", body)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "pi_1_secret", out["clientSecret"])
}

func TestWriteErrorMapsTaxonomy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, tc := range []struct {
		err  error
		code int
	}{
		{apperr.Integrity("amounts do not reconcile"), http.StatusUnprocessableEntity},
		{apperr.Precondition("not capturable"), http.StatusPreconditionFailed},
		{apperr.External("stripe", context.DeadlineExceeded), http.StatusBadGateway},
		{context.Canceled, http.StatusInternalServerError},
	} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		writeError(c, tc.err)
		require.Equal(t, tc.code, w.Code, tc.err.Error())
	}
}

func TestGetSessionVisibility(t *testing.T) {
	a := newAPI(t)

	code, _ := a.do(t, http.MethodGet, "/v1/call-sessions/s1", "c1/client", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = a.do(t, http.MethodGet, "/v1/call-sessions/s1", "p1/provider", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = a.do(t, http.MethodGet, "/v1/call-sessions/s1", "f1/finance", "")
	require.Equal(t, http.StatusOK, code)

	code, _ = a.do(t, http.MethodGet, "/v1/call-sessions/s1", "c2/client", "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = a.do(t, http.MethodGet, "/v1/call-sessions/nope", "c1/client", "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = a.do(t, http.MethodGet, "/v1/call-sessions/s1", "", "")
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestCancelSessionRecordsOperator(t *testing.T) {
	a := newAPI(t)

	code, _ := a.do(t, http.MethodPost, "/v1/call-sessions/s1/cancel", "p1/provider", "")
	require.Equal(t, http.StatusForbidden, code)

	code, out := a.do(t, http.MethodPost, "/v1/call-sessions/s1/cancel", "c1/client", `{"reason":"changed my mind"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "cancelled", out["status"])
	require.Equal(t, []string{"s1:changed my mind"}, a.sessions.cancelled)

	recs := a.records.Records()
	require.Len(t, recs, 1)
	require.Equal(t, audit.EventSessionCancelled, recs[0].Event)
	require.Equal(t, "c1", recs[0].ActorUserID)
}

func TestCancelAfterStartIsPrecondition(t *testing.T) {
	a := newAPI(t)
	a.sessions.cancelErr = apperr.Precondition("session s1 is active and can no longer be cancelled")

	code, _ := a.do(t, http.MethodPost, "/v1/call-sessions/s1/cancel", "a1/admin", "")
	require.Equal(t, http.StatusPreconditionFailed, code)
}

func TestPaymentStatsParsesFilters(t *testing.T) {
	a := newAPI(t)

	path := "/v1/admin/payments/stats?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&status=captured,refunded&providerId=p1"
	code, out := a.do(t, http.MethodGet, path, "f1/finance", "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 9800, out["revenue_minor"])
	require.Equal(t, []payments.Status{payments.StatusCaptured, payments.StatusRefunded}, a.stats.got.Statuses)
	require.Equal(t, "p1", a.stats.got.ProviderID)

	code, _ = a.do(t, http.MethodGet, "/v1/admin/payments/stats?from=yesterday", "f1/finance", "")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, path, "c1/client", "")
	require.Equal(t, http.StatusForbidden, code)
}

func TestAdminTicketsAndAttempts(t *testing.T) {
	a := newAPI(t)

	code, out := a.do(t, http.MethodGet, "/v1/admin/call-sessions/s1/tickets", "a1/admin", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out["tickets"], 1)

	code, out = a.do(t, http.MethodGet, "/v1/admin/calls/attempts?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", "f1/finance", "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 4, out["attempts"])
}

func TestQuoteUsesDefaultCurrency(t *testing.T) {
	a := newAPI(t)

	code, out := a.do(t, http.MethodGet, "/v1/pricing/quote?serviceType=lawyer_call", "c1/client", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "eur", out["currency"])

	code, _ = a.do(t, http.MethodGet, "/v1/pricing/quote?serviceType=tarot_call", "c1/client", "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = a.do(t, http.MethodGet, "/v1/pricing/quote", "c1/client", "")
	require.Equal(t, http.StatusBadRequest, code)
}
