package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fuelwise/fuel-ingest/internal/model"
	"github.com/fuelwise/fuel-ingest/internal/resilience"
)

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	// Statuses limits delivery to events with one of these statuses. Empty
	// means every event.
	Statuses []model.UploadStatus
	Retry    resilience.RetryConfig
}

// WebhookNotifier POSTs upload events as JSON, retrying transient failures.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, eris.New("events: webhook url not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &WebhookNotifier{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Name implements Subscriber.
func (n *WebhookNotifier) Name() string { return "webhook" }

// Notify implements Subscriber.
func (n *WebhookNotifier) Notify(ctx context.Context, ev model.UploadEvent) error {
	if !n.wants(ev.Status) {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "events: marshal upload event")
	}

	retry := n.cfg.Retry
	retry.OnRetry = func(attempt int, err error) {
		zap.L().Debug("retrying webhook delivery",
			zap.String("component", "events.webhook"),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return resilience.Do(ctx, retry, func(ctx context.Context) error {
		return n.post(ctx, payload)
	})
}

func (n *WebhookNotifier) wants(status model.UploadStatus) bool {
	if len(n.cfg.Statuses) == 0 {
		return true
	}
	for _, s := range n.cfg.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (n *WebhookNotifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "events: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "events: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return &resilience.StatusError{StatusCode: resp.StatusCode, URL: n.cfg.URL}
	}
	return nil
}
