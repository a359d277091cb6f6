package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// webhookPayload is the JSON body POSTed for every alert.
type webhookPayload struct {
	Level       AlertLevel `json:"level"`
	Event       Event      `json:"event,omitempty"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Service     string     `json:"service,omitempty"`
	StrategyTag string     `json:"strategy_tag,omitempty"`
	Port        int        `json:"port,omitempty"`
	TS          string     `json:"ts"`
}

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	ts := alert.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	body, err := json.Marshal(webhookPayload{
		Level:       alert.Level,
		Event:       alert.Event,
		Title:       alert.Title,
		Message:     alert.Message,
		Service:     alert.Service,
		StrategyTag: alert.StrategyTag,
		Port:        alert.Port,
		TS:          ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %s: %w", alert.Event, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: %s: unexpected status %d", alert.Event, resp.StatusCode)
	}

	log.Printf("[webhook] sent %s alert for %s", alert.Event, alert.Context())
	return nil
}
