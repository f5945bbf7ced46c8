package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/resilience"
)

// Webhook posts each alert as a JSON Event.
type Webhook struct {
	url    string
	client *http.Client
	retry  resilience.Policy
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookClient overrides the HTTP client.
func WithWebhookClient(hc *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = hc }
}

// WithWebhookRetry overrides the retry policy.
func WithWebhookRetry(p resilience.Policy) WebhookOption {
	return func(w *Webhook) { w.retry = p }
}

// NewWebhook creates a webhook notifier for url.
func NewWebhook(url string, timeout time.Duration, opts ...WebhookOption) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry:  resilience.DefaultPolicy(),
	}
	for _, o := range opts {
		o(w)
	}
	w.retry.OnRetry = resilience.RetryLogger("notify", "webhook")
	return w
}

// Notify implements Notifier. 429 and 5xx responses are retried.
func (w *Webhook) Notify(ctx context.Context, tenantID string, a model.Alert) error {
	payload, err := json.Marshal(NewEvent(tenantID, a))
	if err != nil {
		return eris.Wrap(err, "notify: marshal alert")
	}
	return resilience.Retry(ctx, w.retry, func(ctx context.Context) error {
		return w.post(ctx, payload)
	})
}

func (w *Webhook) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "notify: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
