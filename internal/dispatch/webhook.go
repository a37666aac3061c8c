package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/motorhub/notifq/internal/queue"
)

// WebhookTransport forwards envelopes to a downstream gateway adapter as
// JSON over HTTP. It is the generic transport bundled with the server
// binary; provider-specific adapters live behind the webhook.
type WebhookTransport struct {
	// URLs maps each channel to its adapter endpoint. A channel without an
	// entry falls back to DefaultURL.
	URLs       map[queue.Channel]string
	DefaultURL string

	client *http.Client
}

// NewWebhookTransport creates a webhook transport with the given per-channel
// endpoints.
func NewWebhookTransport(defaultURL string, urls map[queue.Channel]string) *WebhookTransport {
	return &WebhookTransport{
		URLs:       urls,
		DefaultURL: defaultURL,
		client: &http.Client{
			// The dispatcher bounds each call via context; this is a hard cap
			Timeout: 2 * time.Minute,
		},
	}
}

type webhookPayload struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Channel    queue.Channel   `json:"channel"`
	Recipient  string          `json:"recipient,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
}

// Deliver posts the envelope to the channel's endpoint. Any non-2xx response
// is a delivery failure; the body is included in the error for diagnostics.
func (t *WebhookTransport) Deliver(ctx context.Context, env *queue.Envelope) error {
	url := t.URLs[env.Channel]
	if url == "" {
		url = t.DefaultURL
	}
	if url == "" {
		return fmt.Errorf("no webhook endpoint configured for channel %s", env.Channel)
	}

	body, err := json.Marshal(webhookPayload{
		ID:         env.ID,
		TenantID:   env.TenantID,
		Channel:    env.Channel,
		Recipient:  env.Recipient,
		Payload:    env.Payload,
		RetryCount: env.RetryCount,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notifq-Message-Id", env.ID)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}
