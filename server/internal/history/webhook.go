package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/servwatch/servwatch/pkg/types"
	"github.com/servwatch/servwatch/server/internal/config"
)

const webhookTimeout = 10 * time.Second

// Webhook notifies chat and HTTP endpoints of fired and resolved events.
type Webhook struct {
	targets []config.WebhookConfig
	client  *http.Client
}

// NewWebhook creates a Webhook recorder for the given targets.
func NewWebhook(targets []config.WebhookConfig) *Webhook {
	return &Webhook{
		targets: targets,
		client:  &http.Client{Timeout: webhookTimeout},
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Record posts ev to every target whose URL resolves. All targets are tried;
// the returned error joins every failure.
func (w *Webhook) Record(ctx context.Context, ev types.AlertEvent) error {
	var errs []error
	for _, wh := range w.targets {
		url := wh.URL()
		if url == "" {
			continue
		}

		var body []byte
		switch wh.Type {
		case "slack":
			body = slackPayload(ev)
		case "teams":
			body = teamsPayload(ev)
		default:
			body = httpPayload(ev)
		}
		if err := w.post(ctx, url, body); err != nil {
			errs = append(errs, fmt.Errorf("%s webhook: %w", wh.Type, err))
		}
	}
	return errors.Join(errs...)
}

func slackPayload(ev types.AlertEvent) []byte {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* %s", severityLabel(ev), ev.Message()),
	})
	return body
}

func teamsPayload(ev types.AlertEvent) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(ev),
		"summary":    ev.RuleName,
		"title":      fmt.Sprintf("ServWatch Alert: %s", ev.RuleName),
		"text":       ev.Message(),
	})
	return body
}

func httpPayload(ev types.AlertEvent) []byte {
	body, _ := json.Marshal(map[string]interface{}{"alert": ev})
	return body
}

func (w *Webhook) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(ev types.AlertEvent) string {
	if ev.Kind == types.EventResolved {
		return "[RESOLVED]"
	}
	switch ev.Severity {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(ev types.AlertEvent) string {
	if ev.Kind == types.EventResolved {
		return "2ECC71"
	}
	switch ev.Severity {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
