package notify

import (
	"context"
	"sync"

	"consultline/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// Template ids rendered by the notification service.
const (
	TemplateCallFailedProvider    = "call_failed_provider"
	TemplateCallFailedClient      = "call_failed_client"
	TemplateCallTooShortHungUp    = "call_too_short_hungup"
	TemplateCallTooShortOther     = "call_too_short_other"
	TemplateCallCompletedProvider = "call_completed_provider"
	TemplateCallCompletedClient   = "call_completed_client"
	TemplatePaymentFailedProvider = "payment_failed_provider"
	TemplatePaymentFailedClient   = "payment_failed_client"
	TemplateCallCancelled         = "call_cancelled"
)

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// Message is one templated notification to a phone number.
type Message struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Params   map[string]string `json:"params,omitempty"`
	Language string            `json:"language,omitempty"`
	Channel  Channel           `json:"channel,omitempty"`
}

// Notifier delivers messages on a best-effort basis.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// SendAll sends msgs in parallel. Failures are logged and never returned;
// the count of delivered messages is.
func SendAll(ctx context.Context, n Notifier, msgs ...Message) int {
	if n == nil {
		return 0
	}
	var (
		mu        sync.Mutex
		delivered int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range msgs {
		if m.To == "" {
			continue
		}
		m := m
		g.Go(func() error {
			if err := n.Send(gctx, m); err != nil {
				logger.From(ctx).Warn("notification failed", "template", m.Template, "err", err)
				return nil
			}
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return delivered
}

// Recorder keeps sent messages in memory. Useful in tests and local runs.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
	// Fail, when set, is returned for every Send.
	Fail error
}

func (r *Recorder) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	copy(out, r.sent)
	return out
}

// SentTo returns the templates delivered to phone, in order.
func (r *Recorder) SentTo(phone string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.sent {
		if m.To == phone {
			out = append(out, m.Template)
		}
	}
	return out
}
