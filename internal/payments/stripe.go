package payments

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"consultline/internal/metrics"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

var ErrUnexpectedResult = errors.New("payments: unexpected gateway result type")

type StripeConfig struct {
	SecretKey               string
	BreakerInterval         time.Duration
	BreakerConsecutiveFails uint32
}

// StripeGateway talks to Stripe with manual capture, behind a circuit breaker.
type StripeGateway struct {
	api     *client.API
	cb      *gobreaker.CircuitBreaker[any]
	metrics *metrics.Metrics
}

func NewStripeGateway(cfg StripeConfig, log *slog.Logger, m *metrics.Metrics) *StripeGateway {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &StripeGateway{api: api, cb: newBreaker("stripe", cfg, log, m), metrics: m}
}

func newBreaker(name string, cfg StripeConfig, log *slog.Logger, m *metrics.Metrics) *gobreaker.CircuitBreaker[any] {
	if log == nil {
		log = slog.Default()
	}
	fails := cfg.BreakerConsecutiveFails
	if fails == 0 {
		fails = 5
	}
	settings := gobreaker.Settings{
		Name:     name,
		Interval: cfg.BreakerInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit state changed", "service", name, "from", from.String(), "to", to.String())
			m.BreakerOpen(name, to == gobreaker.StateOpen)
		},
		// Card declines and invalid state are answers, not outages.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *stripe.Error
			if errors.As(err, &se) {
				return se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests
			}
			return false
		},
	}
	return gobreaker.NewCircuitBreaker[any](settings)
}

func (g *StripeGateway) execute(op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	defer g.metrics.ObserveExternal("stripe", op, start)
	return g.cb.Execute(fn)
}

func (g *StripeGateway) intent(op string, fn func() (*stripe.PaymentIntent, error)) (Intent, error) {
	res, err := g.execute(op, func() (any, error) { return fn() })
	if err != nil {
		return Intent{}, err
	}
	pi, ok := res.(*stripe.PaymentIntent)
	if !ok || pi == nil {
		return Intent{}, ErrUnexpectedResult
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) Authorize(ctx context.Context, req AuthorizeRequest) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountMinor),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Description:   stripe.String(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	return g.intent("authorize", func() (*stripe.PaymentIntent, error) {
		return g.api.PaymentIntents.New(params)
	})
}

func (g *StripeGateway) Get(ctx context.Context, intentID string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	return g.intent("get", func() (*stripe.PaymentIntent, error) {
		return g.api.PaymentIntents.Get(intentID, params)
	})
}

func (g *StripeGateway) Capture(ctx context.Context, intentID string, amountMinor int64) (Intent, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	if amountMinor > 0 {
		params.AmountToCapture = stripe.Int64(amountMinor)
	}
	params.Context = ctx
	params.SetIdempotencyKey("pi_capture_" + intentID)
	return g.intent("capture", func() (*stripe.PaymentIntent, error) {
		return g.api.PaymentIntents.Capture(intentID, params)
	})
}

func (g *StripeGateway) Cancel(ctx context.Context, intentID, reason string) (Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	if reason != "" {
		params.CancellationReason = stripe.String(reason)
	}
	params.Context = ctx
	params.SetIdempotencyKey("pi_cancel_" + intentID)
	return g.intent("cancel", func() (*stripe.PaymentIntent, error) {
		return g.api.PaymentIntents.Cancel(intentID, params)
	})
}

func (g *StripeGateway) Refund(ctx context.Context, intentID string, amountMinor int64, idempotencyKey string) (Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if amountMinor > 0 {
		params.Amount = stripe.Int64(amountMinor)
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	res, err := g.execute("refund", func() (any, error) { return g.api.Refunds.New(params) })
	if err != nil {
		return Refund{}, err
	}
	r, ok := res.(*stripe.Refund)
	if !ok || r == nil {
		return Refund{}, ErrUnexpectedResult
	}
	return Refund{ID: r.ID, AmountMinor: r.Amount, Status: string(r.Status)}, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) Intent {
	out := Intent{
		ID:             pi.ID,
		Status:         Status(pi.Status),
		AmountMinor:    pi.Amount,
		AmountReceived: pi.AmountReceived,
		Currency:       string(pi.Currency),
		ClientSecret:   pi.ClientSecret,
	}
	if pi.LastPaymentError != nil {
		out.FailureReason = string(pi.LastPaymentError.Code)
		if out.FailureReason == "" {
			out.FailureReason = pi.LastPaymentError.Msg
		}
	}
	return out
}
