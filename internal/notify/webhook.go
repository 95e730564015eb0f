package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/terrpan/gpurun/internal/buildinfo"
)

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	// URL receives a JSON POST per notification (required).
	URL string

	// Headers are added to every request (e.g. Authorization).
	Headers map[string]string

	// RetryMax bounds retries on connection errors and 5xx.  Default: 4.
	RetryMax int

	// Timeout bounds each attempt.  Default: 10s.
	Timeout time.Duration
}

// WebhookNotifier posts notifications as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	client  *retryablehttp.Client
	url     string
	headers map[string]string
}

var _ Notifier = (*WebhookNotifier)(nil)

// NewWebhook creates a WebhookNotifier.
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 4
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = logger

	return &WebhookNotifier{client: client, url: cfg.URL, headers: cfg.Headers}, nil
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post webhook: unexpected status %s", resp.Status)
	}
	return nil
}
