package payments

import "context"

// AuthorizeRequest describes a manual-capture authorization.
type AuthorizeRequest struct {
	AmountMinor    int64
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Gateway is the payment processor. Implementations return raw errors;
// Service classifies them.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Intent, error)
	Get(ctx context.Context, intentID string) (Intent, error)
	Capture(ctx context.Context, intentID string, amountMinor int64) (Intent, error)
	Cancel(ctx context.Context, intentID, reason string) (Intent, error)
	Refund(ctx context.Context, intentID string, amountMinor int64, idempotencyKey string) (Refund, error)
}
