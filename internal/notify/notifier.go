// Package notify defines the notification capability consumed by the
// guardrail monitor and a webhook-backed implementation of it.
package notify

import "context"

// SendResult reports the outcome of one notification delivery.
type SendResult struct {
	Success          bool     `json:"success"`
	SentCount        int      `json:"sent_count"`
	FailedRecipients []string `json:"failed_recipients,omitempty"`
}

// Sender delivers a message to recipients on a channel. Implementations
// are external collaborators; the engine only depends on this interface.
type Sender interface {
	Send(ctx context.Context, channel string, recipients []string, message string) (SendResult, error)
}

// NoopSender discards notifications. Used when no webhook is configured.
type NoopSender struct{}

// Send reports success without delivering anything.
func (NoopSender) Send(_ context.Context, _ string, recipients []string, _ string) (SendResult, error) {
	return SendResult{Success: true, SentCount: len(recipients)}, nil
}
