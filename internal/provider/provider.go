// Package provider contains the outbound email delivery adapters. The
// dispatcher talks to a Sender and never to provider SDKs or wire formats
// directly, so backends can be swapped per tenant credential.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is a fully rendered email ready for handoff to a provider.
type Message struct {
	To          string
	ToName      string
	FromEmail   string
	FromName    string
	ReplyTo     string
	Subject     string
	HTMLContent string
	TextContent string

	// Threaded through to the provider as message tags so delivery events
	// can be correlated back to the originating send.
	CampaignID string
	ContactID  string
	SendID     string

	// List-Unsubscribe target for this recipient.
	UnsubscribeURL string
}

// Result reports a successful provider handoff.
type Result struct {
	MessageID string
	Provider  string
	SentAt    time.Time
}

// Sender hands a rendered message to an email provider.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// Error is a provider rejection. Retryable errors (throttling, provider
// outage) send the message back to the queue; permanent ones (bad request,
// rejected recipient) fail the send outright.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsRetryable reports whether err should be retried. Unclassified errors
// (network failures, timeouts) count as retryable: losing a message over a
// blip is worse than a duplicate handoff attempt.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
