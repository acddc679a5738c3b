package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookConfig configures the webhook channel.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// WebhookNotifier POSTs notifications as JSON to a configured endpoint, the
// usual bridge into chat and paging systems.
type WebhookNotifier struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookNotifier creates a webhook-backed notifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	return &WebhookNotifier{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Channel returns the channel identifier.
func (w *WebhookNotifier) Channel() string { return "webhook" }

// Notify POSTs the notification.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDispatch, "webhook unreachable: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return schema.NewErrorf(schema.ErrCodeDispatch, "webhook returned %d", resp.StatusCode)
	}
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
