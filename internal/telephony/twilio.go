package telephony

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"consultline/internal/metrics"

	"github.com/sony/gobreaker/v2"
	"github.com/twilio/twilio-go"
	twilioopenapi "github.com/twilio/twilio-go/rest/api/v2010"
)

var ErrNoCallSID = errors.New("telephony: provider returned no call sid")

// callAPI is the subset of the Twilio REST API we use.
type callAPI interface {
	CreateCall(params *twilioopenapi.CreateCallParams) (*twilioopenapi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioopenapi.UpdateCallParams) (*twilioopenapi.ApiV2010Call, error)
}

type TwilioConfig struct {
	AccountSID              string
	AuthToken               string
	FromNumber              string
	BreakerInterval         time.Duration
	BreakerConsecutiveFails uint32
}

// TwilioProvider places calls through the Twilio REST API behind a circuit
// breaker. The client is constructed once and shared.
type TwilioProvider struct {
	api     callAPI
	from    string
	cb      *gobreaker.CircuitBreaker[*twilioopenapi.ApiV2010Call]
	metrics *metrics.Metrics
}

func NewTwilioProvider(cfg TwilioConfig, log *slog.Logger, m *metrics.Metrics) *TwilioProvider {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioProvider(client.Api, cfg, log, m)
}

func newTwilioProvider(api callAPI, cfg TwilioConfig, log *slog.Logger, m *metrics.Metrics) *TwilioProvider {
	if log == nil {
		log = slog.Default()
	}
	fails := cfg.BreakerConsecutiveFails
	if fails == 0 {
		fails = 5
	}
	settings := gobreaker.Settings{
		Name:     "twilio",
		Interval: cfg.BreakerInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit state changed", "service", name, "from", from.String(), "to", to.String())
			m.BreakerOpen(name, to == gobreaker.StateOpen)
		},
	}
	return &TwilioProvider{
		api:     api,
		from:    cfg.FromNumber,
		cb:      gobreaker.NewCircuitBreaker[*twilioopenapi.ApiV2010Call](settings),
		metrics: m,
	}
}

// Events requested on every outbound leg.
var callStatusEvents = []string{"initiated", "ringing", "answered", "completed"}

func (p *TwilioProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if err := ctx.Err(); err != nil {
		return PlaceCallResult{}, err
	}

	params := &twilioopenapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(p.from)
	params.SetTwiml(req.TwiML)
	if req.StatusCallback != "" {
		params.SetStatusCallback(req.StatusCallback)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent(callStatusEvents)
	}
	if req.RingTimeout > 0 {
		params.SetTimeout(req.RingTimeout)
	}

	start := time.Now()
	call, err := p.cb.Execute(func() (*twilioopenapi.ApiV2010Call, error) {
		return p.api.CreateCall(params)
	})
	p.metrics.ObserveExternal("twilio", "create_call", start)
	if err != nil {
		return PlaceCallResult{}, err
	}
	if call == nil || call.Sid == nil || *call.Sid == "" {
		return PlaceCallResult{}, ErrNoCallSID
	}

	out := PlaceCallResult{CallSID: *call.Sid}
	if call.Status != nil {
		out.Status = *call.Status
	}
	return out, nil
}

func (p *TwilioProvider) HangupCall(ctx context.Context, callSID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioopenapi.UpdateCallParams{}
	params.SetStatus("completed")

	start := time.Now()
	_, err := p.cb.Execute(func() (*twilioopenapi.ApiV2010Call, error) {
		return p.api.UpdateCall(callSID, params)
	})
	p.metrics.ObserveExternal("twilio", "update_call", start)
	return err
}
