package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSender(endpoint string) *WebhookSender {
	s := NewWebhookSender(endpoint, time.Second, testLogger())
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return s
}

func TestSendDeliversPayload(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(SendResult{Success: true, SentCount: 2})
	}))
	defer srv.Close()

	sender := newTestSender(srv.URL)
	result, err := sender.Send(context.Background(), "guardrail-alerts",
		[]string{"a@example.com", "b@example.com"}, "error rate crossed threshold")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !result.Success || result.SentCount != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if got.Channel != "guardrail-alerts" || len(got.Recipients) != 2 {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.SentAt == "" {
		t.Fatal("expected sentAt in payload")
	}
}

func TestSendRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(SendResult{Success: true, SentCount: 1})
	}))
	defer srv.Close()

	sender := newTestSender(srv.URL)
	result, err := sender.Send(context.Background(), "c", []string{"a@example.com"}, "m")
	if err != nil {
		t.Fatalf("send after retries: %v", err)
	}
	if !result.Success {
		t.Fatalf("unexpected result %+v", result)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := newTestSender(srv.URL)
	result, err := sender.Send(context.Background(), "c", []string{"a@example.com"}, "m")
	if err == nil {
		t.Fatal("expected delivery failure")
	}
	if n := calls.Load(); n != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, n)
	}
	if len(result.FailedRecipients) != 1 || result.FailedRecipients[0] != "a@example.com" {
		t.Fatalf("expected failed recipients reported, got %+v", result)
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sender := newTestSender(srv.URL)
	if _, err := sender.Send(context.Background(), "c", nil, "m"); err == nil {
		t.Fatal("expected failure on 400")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected a single attempt on a client error, got %d", n)
	}
}

func TestSendTreatsUnreadableBodyAsDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	sender := newTestSender(srv.URL)
	result, err := sender.Send(context.Background(), "c", nil, "m")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success on 2xx with bad body, got %+v", result)
	}
}

func TestSendCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sender := newTestSender(srv.URL)
	if _, err := sender.Send(ctx, "c", nil, "m"); err == nil {
		t.Fatal("expected context error")
	}
}

func TestSendAbortsBackoffOnCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Real backoff sleep: the first retry would wait around a second, so a
	// prompt return proves the wait is interruptible.
	sender := NewWebhookSender(srv.URL, time.Second, testLogger())
	start := time.Now()
	_, err := sender.Send(ctx, "c", nil, "m")
	if err == nil {
		t.Fatal("expected context error")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("send outlived cancellation by %v", elapsed)
	}
}

func TestSendRequiresEndpoint(t *testing.T) {
	sender := newTestSender("")
	_, err := sender.Send(context.Background(), "c", nil, "m")
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRetryWaitBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		// Second attempt: 1s base with +-10% jitter.
		w := retryWait(2)
		if w < 900*time.Millisecond || w > 1100*time.Millisecond {
			t.Fatalf("attempt 2 wait out of bounds: %v", w)
		}
		// Third attempt: 2s base.
		w = retryWait(3)
		if w < 1800*time.Millisecond || w > 2200*time.Millisecond {
			t.Fatalf("attempt 3 wait out of bounds: %v", w)
		}
		// Deep attempts cap at the maximum.
		if w := retryWait(10); w > maxRetryWait {
			t.Fatalf("wait exceeded cap: %v", w)
		}
	}
}
