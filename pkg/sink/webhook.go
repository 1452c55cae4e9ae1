package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"
)

// Webhook posts the payload as JSON to a URL.
type Webhook struct {
	url     string
	client  *httpClient
	limiter *rate.Limiter
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookHTTPClient overrides the underlying HTTP client.
func WithWebhookHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = newHTTPClient(NameWebhook, c) }
}

// WithWebhookRate paces outbound calls.
func WithWebhookRate(rps float64, burst int) WebhookOption {
	return func(w *Webhook) { w.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewWebhook creates a webhook sink. Calls default to 5 per second.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:     url,
		client:  newHTTPClient(NameWebhook, nil),
		limiter: rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) Name() string { return NameWebhook }

func (w *Webhook) Speak(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate: %w", err)
	}
	_, err = w.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}
