package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/intentstack/intent-engine/internal/metrics"
)

const (
	maxAttempts   = 3
	baseRetryWait = time.Second
	maxRetryWait  = 30 * time.Second
	jitterFrac    = 0.1
)

// WebhookSender posts notifications as JSON to a single webhook endpoint.
// Transient failures are retried with exponential backoff and jitter;
// anything else fails the delivery immediately.
type WebhookSender struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger

	// sleep is swapped out by tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWebhookSender builds a sender for the given endpoint. A zero timeout
// defaults to 10 seconds.
func NewWebhookSender(endpoint string, timeout time.Duration, logger *slog.Logger) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// sleepCtx waits for d or until the context is cancelled, whichever comes
// first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type webhookPayload struct {
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	SentAt     string   `json:"sent_at"`
}

// Send delivers the message, retrying up to maxAttempts on network errors
// and retryable HTTP statuses.
func (s *WebhookSender) Send(ctx context.Context, channel string, recipients []string, message string) (SendResult, error) {
	if s.endpoint == "" {
		return SendResult{}, fmt.Errorf("webhook endpoint not configured")
	}
	body, err := json.Marshal(webhookPayload{
		Channel:    channel,
		Recipients: recipients,
		Message:    message,
		SentAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := retryWait(attempt)
			s.logger.Debug("retrying notification delivery",
				"attempt", attempt, "wait", wait, "error", lastErr)
			if err := s.sleep(ctx, wait); err != nil {
				return SendResult{}, err
			}
		}

		result, retryable, err := s.attempt(ctx, body)
		if err == nil {
			metrics.ObserveNotification(metrics.OutcomeSuccess)
			return result, nil
		}
		metrics.ObserveNotification(metrics.OutcomeError)
		lastErr = err
		if !retryable {
			break
		}
	}
	return SendResult{FailedRecipients: recipients}, fmt.Errorf("notification delivery failed: %w", lastErr)
}

func (s *WebhookSender) attempt(ctx context.Context, body []byte) (SendResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// Network-level failures are always worth retrying.
		return SendResult{}, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, retryableStatus(resp.StatusCode),
			fmt.Errorf("webhook returned %s", resp.Status)
	}

	var result SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// A 2xx with an unreadable body still counts as delivered.
		result = SendResult{Success: true}
	}
	return result, false, nil
}

// retryWait doubles per attempt from baseRetryWait, adds +-10% jitter and
// caps the total at maxRetryWait.
func retryWait(attempt int) time.Duration {
	wait := baseRetryWait << (attempt - 2)
	if wait > maxRetryWait {
		wait = maxRetryWait
	}
	jitter := 1 + jitterFrac*(2*rand.Float64()-1)
	wait = time.Duration(float64(wait) * jitter)
	if wait > maxRetryWait {
		wait = maxRetryWait
	}
	return wait
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
