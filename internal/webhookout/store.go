package webhookout

import (
	"context"
	"time"

	"github.com/beaconmail/beacon/internal/domain"
)

// Delivery is a due webhook_deliveries row joined with its endpoint.
type Delivery struct {
	ID       string
	EventID  string
	Event    string
	Payload  []byte
	Attempts int
	URL      string
	Secret   string
}

// Store is the persistence surface for webhook fan-out and delivery.
type Store interface {
	// CreateWebhook registers an endpoint for a tenant.
	CreateWebhook(ctx context.Context, w *domain.Webhook) error

	// Webhooks lists a tenant's endpoints.
	Webhooks(ctx context.Context, userID string) ([]domain.Webhook, error)

	// DeleteWebhook removes an endpoint and its pending deliveries.
	DeleteWebhook(ctx context.Context, userID, id string) error

	// ActiveWebhooksFor returns the tenant's active endpoints subscribed to
	// the given event type.
	ActiveWebhooksFor(ctx context.Context, userID, event string) ([]domain.Webhook, error)

	// EnqueueDeliveries persists one delivery row per target endpoint.
	EnqueueDeliveries(ctx context.Context, deliveries []domain.WebhookDelivery) error

	// ClaimDue atomically claims up to limit deliveries whose next attempt
	// is due, pushing their next_attempt_at forward so a crashed sender
	// releases them by timeout.
	ClaimDue(ctx context.Context, limit int) ([]Delivery, error)

	// MarkDelivered finalizes a delivery after a 2xx response.
	MarkDelivered(ctx context.Context, id string, statusCode int) error

	// MarkAttemptFailed records a failed attempt. A nil nextAttempt retires
	// the delivery permanently.
	MarkAttemptFailed(ctx context.Context, id string, statusCode int, errMsg string, nextAttempt *time.Time) error

	// Deliveries lists recent delivery rows for one of the tenant's
	// endpoints, newest first.
	Deliveries(ctx context.Context, userID, webhookID string, limit int) ([]domain.WebhookDelivery, error)
}
