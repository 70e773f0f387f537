// mock-webhook is a local stand-in for the notification webhook. It accepts
// guardrail alert payloads, logs them, and can simulate transient failures
// via the ?fail_first=N query parameter to exercise the sender's retries.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
)

type notification struct {
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	SentAt     string   `json:"sent_at"`
}

type receiver struct {
	mu       sync.Mutex
	seen     int
	failures int
}

func (r *receiver) handle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	r.mu.Lock()
	r.seen++
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		http.Error(w, "simulated transient failure", http.StatusServiceUnavailable)
		return
	}
	r.mu.Unlock()

	var n notification
	if err := json.NewDecoder(req.Body).Decode(&n); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	log.Printf("notification: channel=%s recipients=%d message=%q", n.Channel, len(n.Recipients), n.Message)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"sent_count": len(n.Recipients),
	})
}

func (r *receiver) arm(w http.ResponseWriter, req *http.Request) {
	n, err := strconv.Atoi(req.URL.Query().Get("fail_first"))
	if err != nil || n < 0 {
		http.Error(w, "fail_first must be a non-negative integer", http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.failures = n
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func main() {
	r := &receiver{}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/webhook", r.handle)
	mux.HandleFunc("/arm", r.arm)

	addr := ":9090"
	log.Printf("mock-webhook listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}
