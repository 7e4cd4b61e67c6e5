package domain

import "time"

// SendStatus enumerates the lifecycle of a single (campaign, contact) send.
type SendStatus string

const (
	SendPending    SendStatus = "pending"
	SendFailed     SendStatus = "failed"
	SendSent       SendStatus = "sent"
	SendDelivered  SendStatus = "delivered"
	SendBounced    SendStatus = "bounced"
	SendComplained SendStatus = "complained"
)

// Rank orders send statuses for monotonic reconciliation: a status may only
// advance to one with a strictly higher rank. BOUNCED/COMPLAINED outrank
// DELIVERED so that a late-arriving delivery event can never overwrite a
// terminal outcome.
func (s SendStatus) Rank() int {
	switch s {
	case SendPending:
		return 0
	case SendFailed:
		return 1
	case SendSent:
		return 2
	case SendDelivered:
		return 3
	case SendBounced, SendComplained:
		return 4
	}
	return -1
}

// CanAdvanceTo reports whether a conditional update from s to next is
// permitted. Equal-rank transitions are rejected so duplicate events no-op.
func (s SendStatus) CanAdvanceTo(next SendStatus) bool {
	return next.Rank() > s.Rank()
}

// EmailSend is one record per (campaign, contact) dispatch attempt. At most
// one row exists per pair under normal operation; it is the deduplicated
// projection of the raw EmailEvent log.
type EmailSend struct {
	ID                string     `json:"id" db:"id"`
	CampaignID        string     `json:"campaign_id" db:"campaign_id"`
	ContactID         string     `json:"contact_id" db:"contact_id"`
	UserID            string     `json:"user_id" db:"user_id"`
	Email             string     `json:"email" db:"email"`
	ProviderMessageID *string    `json:"provider_message_id" db:"provider_message_id"`
	Status            SendStatus `json:"status" db:"status"`
	FailureReason     string     `json:"failure_reason" db:"failure_reason"`
	SentAt            *time.Time `json:"sent_at" db:"sent_at"`
	DeliveredAt       *time.Time `json:"delivered_at" db:"delivered_at"`
	OpenedAt          *time.Time `json:"opened_at" db:"opened_at"`
	ClickedAt         *time.Time `json:"clicked_at" db:"clicked_at"`
	BouncedAt         *time.Time `json:"bounced_at" db:"bounced_at"`
	ComplainedAt      *time.Time `json:"complained_at" db:"complained_at"`
	BounceReason      string     `json:"bounce_reason" db:"bounce_reason"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// EventType enumerates provider delivery events as they arrive on the
// inbound webhook.
type EventType string

const (
	EventSent       EventType = "email.sent"
	EventDelivered  EventType = "email.delivered"
	EventOpened     EventType = "email.opened"
	EventClicked    EventType = "email.clicked"
	EventBounced    EventType = "email.bounced"
	EventComplained EventType = "email.complained"
)

// Valid reports whether t is a known provider event type.
func (t EventType) Valid() bool {
	switch t {
	case EventSent, EventDelivered, EventOpened, EventClicked, EventBounced, EventComplained:
		return true
	}
	return false
}

// EmailEvent is an immutable append-only log entry tied to an EmailSend, one
// per raw provider notification. Repeated opens and clicks each get a row;
// the EmailSend fields are the deduplicated projection of this log.
type EmailEvent struct {
	ID        string         `json:"id" db:"id"`
	SendID    string         `json:"send_id" db:"send_id"`
	UserID    string         `json:"user_id" db:"user_id"`
	Type      EventType      `json:"type" db:"type"`
	Payload   map[string]any `json:"payload" db:"payload"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}
