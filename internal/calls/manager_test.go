package calls

import (
	"context"
	"errors"
	"sync"
	"testing"

	"consultline/internal/apperr"
	"consultline/internal/audit"
	"consultline/internal/finance"
	"consultline/internal/notify"
	"consultline/internal/payments"
	"consultline/internal/sessions"

	"github.com/stretchr/testify/require"
)

func TestCreateSessionComputesMaxDuration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := params("lawyer", "pi_1")
	p.AmountMinor, p.Currency = 4900, "EUR"
	s, err := h.m.CreateSession(ctx, p)
	require.NoError(t, err)
	require.Equal(t, 1500, s.Metadata.MaxDuration)
	require.Equal(t, "eur", s.Payment.Currency)
	require.Equal(t, sessions.PaymentAuthorized, s.Payment.Status)
	require.Equal(t, providerPhone, s.Participants.Provider.Phone)

	p = params("expat", "pi_2")
	p.AmountMinor, p.Currency = 1900, "eur"
	p.ProviderType, p.ServiceType = sessions.ProviderExpat, sessions.ServiceExpatCall
	s, err = h.m.CreateSession(ctx, p)
	require.NoError(t, err)
	require.Equal(t, 2100, s.Metadata.MaxDuration)

	recs := h.records.Records()
	require.Len(t, recs, 2)
	require.Equal(t, audit.EventSagaStarted, recs[0].Event)
}

func TestCreateSessionRejectsIdenticalPhones(t *testing.T) {
	h := newHarness(t)
	p := params("s1", "pi_1")
	p.AmountMinor, p.Currency = 4900, "eur"
	p.ClientPhone = providerPhone

	_, err := h.m.CreateSession(context.Background(), p)
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestBookSessionSchedulesTask(t *testing.T) {
	h := newHarness(t)
	s := h.book(t, "s1")

	require.Equal(t, "task-s1", s.Metadata.TaskID)
	require.Equal(t, DefaultStartDelay, h.sched.scheduled["s1"])
	require.Equal(t, int64(4900), h.get(t, "s1").Payment.Amount)
}

func TestDuplicateSessionConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.book(t, "dup")

	_, err := h.m.BookSession(ctx, params("dup", s.Payment.IntentID), 0)
	require.ErrorIs(t, err, apperr.ErrConflict)

	p := params("dup", s.Payment.IntentID)
	p.AmountMinor, p.Currency = 4900, "eur"
	_, err = h.m.CreateSession(ctx, p)
	require.ErrorIs(t, err, sessions.ErrAlreadyExists)

	require.Equal(t, 1, h.gw.Authorizations)
}

func TestProviderConnectsOnSecondAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.prov.plan(providerPhone, noAnswer, answer)
	h.prov.plan(clientPhone, answer)
	h.book(t, "sess-retry")

	require.NoError(t, h.m.StartSaga(ctx, "sess-retry"))
	require.Equal(t, sessions.StatusActive, h.get(t, "sess-retry").Status)
	require.Equal(t, 2, h.prov.count(providerPhone))
	require.Equal(t, 1, h.prov.count(clientPhone))

	require.NoError(t, h.m.HandleCallCompletion(ctx, "sess-retry", 185))

	got := h.get(t, "sess-retry")
	require.Equal(t, sessions.StatusCompleted, got.Status)
	require.Equal(t, sessions.PaymentCaptured, got.Payment.Status)
	require.Equal(t, 185, got.Conference.Duration)
	require.Len(t, h.fin.Reviews(), 1)
	require.Equal(t, 1, h.gw.Captures)
	require.Equal(t, []string{notify.TemplateCallCompletedClient}, h.notes.SentTo(clientPhone))

	var provider []audit.Record
	for _, r := range h.records.Records() {
		if r.Role == string(sessions.RoleProvider) {
			provider = append(provider, r)
		}
	}
	require.NotEmpty(t, provider)
	for i := 1; i < len(provider); i++ {
		require.GreaterOrEqual(t, provider[i].Attempt, provider[i-1].Attempt)
	}
	last := provider[len(provider)-1]
	require.Equal(t, audit.EventAttemptConnected, last.Event)
	require.Equal(t, 2, last.Attempt)
}

func TestProviderNeverAnswers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.prov.plan(providerPhone, noAnswer, noAnswer, noAnswer)
	s := h.book(t, "sess-noanswer")

	require.NoError(t, h.m.StartSaga(ctx, "sess-noanswer"))

	got := h.get(t, "sess-noanswer")
	require.Equal(t, sessions.StatusFailed, got.Status)
	require.Equal(t, ReasonProviderNoAnswer, got.FailureReason)
	require.Contains(t, []sessions.PaymentStatus{sessions.PaymentRefunded, sessions.PaymentCanceled}, got.Payment.Status)
	require.Equal(t, 3, h.prov.count(providerPhone))
	require.Zero(t, h.prov.count(clientPhone))
	require.Equal(t, 1, h.gw.Cancels)

	p, err := h.pay.Get(ctx, s.Payment.IntentID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusCanceled, p.Status)
	require.Equal(t, []string{notify.TemplateCallFailedClient}, h.notes.SentTo(clientPhone))
}

func TestShortCallIsRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.prov.plan(providerPhone, answer)
	h.prov.plan(clientPhone, answer)
	h.book(t, "sess-short")

	require.NoError(t, h.m.StartSaga(ctx, "sess-short"))
	require.NoError(t, h.m.HandleEarlyDisconnection(ctx, "sess-short", sessions.RoleClient, 45))

	got := h.get(t, "sess-short")
	require.Equal(t, sessions.StatusFailed, got.Status)
	require.Equal(t, ReasonTooShort, got.FailureReason)
	require.Equal(t, sessions.PaymentCanceled, got.Payment.Status)
	require.Zero(t, h.gw.Captures)
	require.Equal(t, []string{notify.TemplateCallTooShortHungUp}, h.notes.SentTo(clientPhone))
	require.Equal(t, []string{notify.TemplateCallTooShortOther}, h.notes.SentTo(providerPhone))
	require.Empty(t, h.fin.Reviews())

	// A late conference-end for the same call changes nothing.
	require.NoError(t, h.m.HandleCallCompletion(ctx, "sess-short", 50))
	require.Equal(t, 1, h.gw.Cancels)
}

func TestDurationThreshold(t *testing.T) {
	for _, d := range []int{0, 45, 119, 120, 185, 1500} {
		h := newHarness(t)
		ctx := context.Background()
		h.book(t, "s1")
		h.bridge(t, "s1")

		require.NoError(t, h.m.HandleCallCompletion(ctx, "s1", d))

		got := h.get(t, "s1")
		if d < MinBillableSeconds {
			require.Equal(t, sessions.StatusFailed, got.Status, "duration %d", d)
			require.Contains(t, []sessions.PaymentStatus{sessions.PaymentRefunded, sessions.PaymentCanceled}, got.Payment.Status)
			continue
		}
		require.Equal(t, sessions.StatusCompleted, got.Status, "duration %d", d)
		require.Equal(t, sessions.PaymentCaptured, got.Payment.Status)
	}
}

func TestCaptureIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.book(t, "s1")
	h.bridge(t, "s1")
	require.NoError(t, h.store.Update(ctx, "s1", sessions.NewUpdate().ConferenceDuration(200)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.m.CapturePaymentForSession(ctx, "s1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				wins++
			}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)

	ok, err := h.m.CapturePaymentForSession(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, wins)
	require.Equal(t, 1, h.gw.Captures)
	require.Zero(t, h.gw.Refunds)
	require.Len(t, h.fin.Reviews(), 1)

	// The dual confirmation path converges on the same outcome.
	require.NoError(t, h.m.HandleCallCompletion(ctx, "s1", 210))
	got := h.get(t, "s1")
	require.Equal(t, sessions.PaymentCaptured, got.Payment.Status)
	require.Equal(t, 1, h.gw.Captures)
}

func TestShouldCapturePayment(t *testing.T) {
	h := newHarness(t)
	h.book(t, "s1")
	require.False(t, ShouldCapturePayment(h.get(t, "s1")))

	h.bridge(t, "s1")
	require.False(t, ShouldCapturePayment(h.get(t, "s1")))

	require.NoError(t, h.store.Update(context.Background(), "s1", sessions.NewUpdate().ConferenceDuration(MinBillableSeconds)))
	s := h.get(t, "s1")
	require.True(t, ShouldCapturePayment(s))

	// A participant who hung up after connecting still counts.
	s.Participants.Client.Status = sessions.ParticipantDisconnected
	require.True(t, ShouldCapturePayment(s))

	s.Payment.Status = sessions.PaymentCanceled
	require.False(t, ShouldCapturePayment(s))
}

func TestFailureRefundsCapturedPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.book(t, "s1")

	// Captured at the settlement layer while the session copy still says
	// authorized.
	_, err := h.pay.CapturePayment(ctx, s.Payment.IntentID)
	require.NoError(t, err)

	require.NoError(t, h.m.HandleCallFailure(ctx, "s1", ReasonDialError))

	got := h.get(t, "s1")
	require.Equal(t, sessions.StatusFailed, got.Status)
	require.Equal(t, sessions.PaymentRefunded, got.Payment.Status)
	require.Equal(t, 1, h.gw.Refunds)
	require.Zero(t, h.gw.Cancels)

	// Repeated failure delivery does not refund twice.
	require.NoError(t, h.m.HandleCallFailure(ctx, "s1", ReasonDialError))
	require.Equal(t, 1, h.gw.Refunds)
}

func TestFailureSwallowsNotificationErrors(t *testing.T) {
	h := newHarness(t)
	h.notes.Fail = errors.New("sms down")
	h.book(t, "s1")

	require.NoError(t, h.m.HandleCallFailure(context.Background(), "s1", ReasonClientNoAnswer))
	require.Equal(t, sessions.PaymentCanceled, h.get(t, "s1").Payment.Status)
}

func TestCaptureFailureOpensTicket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.book(t, "s1")
	h.bridge(t, "s1")
	h.gw.FailCapture = errors.New("card_declined")

	require.Error(t, h.m.HandleCallCompletion(ctx, "s1", 300))

	got := h.get(t, "s1")
	require.Equal(t, sessions.StatusFailed, got.Status)
	require.Equal(t, sessions.PaymentFailed, got.Payment.Status)

	tickets := h.fin.Tickets()
	require.Len(t, tickets, 1)
	require.Equal(t, finance.ReasonCaptureFailed, tickets[0].Reason)
	require.Equal(t, finance.PriorityHigh, tickets[0].Priority)
	require.Equal(t, []string{notify.TemplatePaymentFailedClient}, h.notes.SentTo(clientPhone))
}

func TestPaymentAnomalyIsRecordedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.book(t, "s1")

	require.NoError(t, h.m.HandlePaymentAnomaly(ctx, "s1", "processing_error"))
	require.NoError(t, h.m.HandlePaymentAnomaly(ctx, "s1", "processing_error"))

	tickets := h.fin.Tickets()
	require.Len(t, tickets, 1)
	require.Equal(t, finance.PriorityMedium, tickets[0].Priority)
	require.Equal(t, sessions.PaymentFailed, h.get(t, "s1").Payment.Status)
	require.Len(t, h.notes.SentTo(providerPhone), 1)
}

func TestCancelSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.book(t, "s1")

	require.NoError(t, h.m.CancelSession(ctx, "s1", ""))
	require.NoError(t, h.m.CancelSession(ctx, "s1", ""))

	got := h.get(t, "s1")
	require.Equal(t, sessions.StatusCancelled, got.Status)
	require.Equal(t, sessions.PaymentCanceled, got.Payment.Status)
	require.Equal(t, []string{"task-s1"}, h.sched.cancelled)
	require.Equal(t, 1, h.gw.Cancels)

	// A cancelled session is never dialed.
	require.NoError(t, h.m.StartSaga(ctx, "s1"))
	require.Zero(t, h.prov.count(providerPhone))
}

func TestCancelAfterSagaStartIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.prov.plan(providerPhone, answer)
	h.prov.plan(clientPhone, answer)
	h.book(t, "s1")
	require.NoError(t, h.m.StartSaga(ctx, "s1"))

	require.ErrorIs(t, h.m.CancelSession(ctx, "s1", ""), apperr.ErrPrecondition)
}

func TestScheduleFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.sched.err = errors.New("redis down")
	h.prov.session = "s1"

	_, err := h.m.BookSession(context.Background(), params("s1", h.authorize(t, "s1")), 0)
	require.ErrorIs(t, err, apperr.ErrExternal)

	got := h.get(t, "s1")
	require.Equal(t, sessions.StatusCancelled, got.Status)
	require.Equal(t, sessions.PaymentCanceled, got.Payment.Status)
}

func TestStartSagaRequiresAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.book(t, "s1")
	require.NoError(t, h.store.Update(ctx, "s1", sessions.NewUpdate().PaymentStatus(sessions.PaymentFailed)))

	require.ErrorIs(t, h.m.StartSaga(ctx, "s1"), ErrNotAuthorized)
	require.Zero(t, h.prov.count(providerPhone))
}
