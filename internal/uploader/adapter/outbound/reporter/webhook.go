package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/go-resilient-upload/pkg/resilience"
)

// WebhookConfig configures the webhook reporter.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Retries int
}

// WebhookReporter POSTs completions as JSON. 5xx responses and network errors
// are retried with exponential backoff; 4xx responses fail immediately.
type WebhookReporter struct {
	cfg    WebhookConfig
	client *http.Client
	delay  func(int) time.Duration
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func NewWebhookReporter(cfg WebhookConfig) (*WebhookReporter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook reporter requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	return &WebhookReporter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		delay:  publishDelay,
	}, nil
}

func (r *WebhookReporter) Report(ctx context.Context, c domain.Completion) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("webhook: marshal completion: %w", err)
	}

	_, err = resilience.Retry(ctx, resilience.RetryOptions{
		MaxRetries: r.cfg.Retries,
		Delay:      r.delay,
		Retryable: func(err error) bool {
			var statusErr *StatusError
			return !errors.As(err, &statusErr) || statusErr.Code >= 500
		},
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.post(ctx, body)
	})
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

func (r *WebhookReporter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range r.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

var _ port.CompletionReporter = (*WebhookReporter)(nil)
