package domain

import "time"

// Webhook is a tenant-configured outbound push endpoint subscribed to
// internal event types. Distinct from the inbound provider webhook that
// drives the delivery-event reconciler.
type Webhook struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	URL       string    `json:"url" db:"url"`
	Secret    string    `json:"-" db:"secret"`
	Events    []string  `json:"events" db:"events"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SubscribedTo reports whether the webhook wants the given event type.
// An empty subscription list means all events.
func (w *Webhook) SubscribedTo(event string) bool {
	if !w.Active {
		return false
	}
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookDelivery tracks attempts to push one event envelope to one webhook.
// Retry state is persisted (attempt count plus next-eligible time) so
// retries survive process restarts and are driven by a durable poll loop,
// never by in-memory timers.
type WebhookDelivery struct {
	ID             string     `json:"id" db:"id"`
	WebhookID      string     `json:"webhook_id" db:"webhook_id"`
	EventID        string     `json:"event_id" db:"event_id"`
	Event          string     `json:"event" db:"event"`
	Payload        []byte     `json:"-" db:"payload"`
	Attempts       int        `json:"attempts" db:"attempts"`
	LastStatusCode int        `json:"last_status_code" db:"last_status_code"`
	LastError      string     `json:"last_error" db:"last_error"`
	NextAttemptAt  *time.Time `json:"next_attempt_at" db:"next_attempt_at"`
	DeliveredAt    *time.Time `json:"delivered_at" db:"delivered_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// ProviderCredential holds the outbound provider configuration for a tenant.
// Fields are named explicitly so secret handling stays auditable; credentials
// are never modeled as a generic merged map.
type ProviderCredential struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Kind      string    `json:"kind" db:"kind"` // "http" or "ses"
	APIKey    string    `json:"-" db:"api_key"`
	AccessKey string    `json:"-" db:"access_key"`
	SecretKey string    `json:"-" db:"secret_key"`
	Region    string    `json:"region" db:"region"`
	BaseURL   string    `json:"base_url" db:"base_url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
