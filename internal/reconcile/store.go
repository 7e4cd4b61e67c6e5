package reconcile

import (
	"context"
	"time"

	"github.com/beaconmail/beacon/internal/domain"
)

// StagedEvent is one row of the webhook_events staging table, claimed for
// processing.
type StagedEvent struct {
	ID         int64
	Provider   string
	EventID    string
	Type       string
	MessageID  string
	Email      string
	Reason     string
	OccurredAt time.Time
	ReceivedAt time.Time
}

// SendRef is the slice of an email_sends row the applier needs to resolve
// an event.
type SendRef struct {
	ID         string
	UserID     string
	CampaignID string
	ContactID  string
	Email      string
	Status     domain.SendStatus
}

// Store is the persistence surface of the reconciler.
type Store interface {
	// Stage inserts raw events into the staging table. Rows that collide on
	// (provider, event_id) are dropped, making webhook retries harmless.
	// Returns the number of newly staged events.
	Stage(ctx context.Context, provider string, events []Event) (int, error)

	// ClaimStaged atomically marks up to limit unprocessed rows as processed
	// and returns them. Concurrent processors never claim the same row.
	ClaimStaged(ctx context.Context, limit int) ([]StagedEvent, error)

	// FindSend resolves the send a provider message ID belongs to.
	FindSend(ctx context.Context, messageID string) (*SendRef, error)

	// AdvanceSend conditionally moves a send to status, stamping the
	// event-type timestamp only on first occurrence. Returns false when the
	// row's current status already outranks the target.
	AdvanceSend(ctx context.Context, sendID string, status domain.SendStatus, eventType domain.EventType, occurredAt time.Time, reason string) (bool, error)

	// StampEngagement records first-open or first-click timestamps without
	// touching the send status.
	StampEngagement(ctx context.Context, sendID string, eventType domain.EventType, occurredAt time.Time) error

	// InsertEvent appends to the immutable event log.
	InsertEvent(ctx context.Context, event *domain.EmailEvent) error
}
