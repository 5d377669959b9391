package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrGatewayState = errors.New("payments: illegal intent state")

// MemoryGateway is an in-process gateway for tests and local runs.
// Authorizations land directly in requires_capture.
type MemoryGateway struct {
	mu      sync.Mutex
	intents map[string]*Intent
	byKey   map[string]string

	Authorizations int
	Captures       int
	Cancels        int
	Refunds        int

	// FailCapture, when set, is returned by the next Capture call.
	FailCapture error
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{intents: map[string]*Intent{}, byKey: map[string]string{}}
}

func (g *MemoryGateway) Authorize(ctx context.Context, req AuthorizeRequest) (Intent, error) {
	_ = ctx
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return *g.intents[id], nil
	}
	in := &Intent{
		ID:           "pi_" + uuid.NewString(),
		Status:       StatusRequiresCapture,
		AmountMinor:  req.AmountMinor,
		Currency:     req.Currency,
		ClientSecret: "secret_" + uuid.NewString(),
	}
	g.intents[in.ID] = in
	if req.IdempotencyKey != "" {
		g.byKey[req.IdempotencyKey] = in.ID
	}
	g.Authorizations++
	return *in, nil
}

// Seed registers an intent created outside the gateway.
func (g *MemoryGateway) Seed(in Intent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := in
	g.intents[in.ID] = &cp
}

func (g *MemoryGateway) Get(ctx context.Context, intentID string) (Intent, error) {
	_ = ctx
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[intentID]
	if !ok {
		return Intent{}, fmt.Errorf("payment intent %s not found", intentID)
	}
	return *in, nil
}

func (g *MemoryGateway) Capture(ctx context.Context, intentID string, amountMinor int64) (Intent, error) {
	_ = ctx
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.FailCapture; err != nil {
		g.FailCapture = nil
		return Intent{}, err
	}
	in, ok := g.intents[intentID]
	if !ok {
		return Intent{}, fmt.Errorf("payment intent %s not found", intentID)
	}
	if in.Status != StatusRequiresCapture {
		return Intent{}, ErrGatewayState
	}
	if amountMinor <= 0 || amountMinor > in.AmountMinor {
		amountMinor = in.AmountMinor
	}
	in.Status = StatusSucceeded
	in.AmountReceived = amountMinor
	g.Captures++
	return *in, nil
}

func (g *MemoryGateway) Cancel(ctx context.Context, intentID, reason string) (Intent, error) {
	_ = ctx
	_ = reason
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[intentID]
	if !ok {
		return Intent{}, fmt.Errorf("payment intent %s not found", intentID)
	}
	if !in.Status.Cancelable() {
		return Intent{}, ErrGatewayState
	}
	in.Status = StatusCanceled
	g.Cancels++
	return *in, nil
}

func (g *MemoryGateway) Refund(ctx context.Context, intentID string, amountMinor int64, idempotencyKey string) (Refund, error) {
	_ = ctx
	_ = idempotencyKey
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[intentID]
	if !ok {
		return Refund{}, fmt.Errorf("payment intent %s not found", intentID)
	}
	if in.Status != StatusSucceeded {
		return Refund{}, ErrGatewayState
	}
	g.Refunds++
	return Refund{ID: "re_" + uuid.NewString(), AmountMinor: amountMinor, Status: "succeeded"}, nil
}
