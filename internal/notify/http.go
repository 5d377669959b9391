package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"consultline/pkg/logger"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

type HTTPConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// HTTPDispatcher posts messages to the external notification service,
// trying SMS first and WhatsApp once as the fallback channel.
type HTTPDispatcher struct {
	client *resty.Client
	url    string
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func NewHTTPDispatcher(cfg HTTPConfig) *HTTPDispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("X-Api-Key", cfg.APIKey)

	return &HTTPDispatcher{client: client, url: cfg.URL}
}

func (d *HTTPDispatcher) Send(ctx context.Context, msg Message) error {
	channels := []Channel{ChannelSMS, ChannelWhatsApp}
	if msg.Channel != "" && msg.Channel != ChannelSMS {
		channels = []Channel{msg.Channel}
	}

	var lastErr error
	for _, ch := range channels {
		msg.Channel = ch
		if lastErr = d.post(ctx, msg); lastErr == nil {
			return nil
		}
		logger.From(ctx).Debug("notification channel failed", "channel", ch, "template", msg.Template, "err", lastErr)
	}
	return lastErr
}

func (d *HTTPDispatcher) post(ctx context.Context, msg Message) error {
	var out sendResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(msg).
		SetResult(&out).
		Post(d.url)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
