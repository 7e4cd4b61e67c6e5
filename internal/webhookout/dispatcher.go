package webhookout

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beaconmail/beacon/internal/domain"
)

// NewSecret returns a random per-endpoint signing secret.
func NewSecret() string {
	buf := make([]byte, 24)
	rand.Read(buf)
	return "whsec_" + hex.EncodeToString(buf)
}

// Dispatcher fans reconciled events out to delivery rows. It satisfies the
// reconciler's Notifier.
type Dispatcher struct {
	store Store
}

// NewDispatcher creates a fan-out dispatcher over store.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{store: store}
}

// Publish enqueues one delivery per matching endpoint. Events with no
// matching endpoint are dropped silently.
func (d *Dispatcher) Publish(ctx context.Context, event *domain.EmailEvent) error {
	hooks, err := d.store.ActiveWebhooksFor(ctx, event.UserID, string(event.Type))
	if err != nil {
		return err
	}
	if len(hooks) == 0 {
		return nil
	}

	payload, err := json.Marshal(envelope{
		ID:        event.ID,
		Event:     string(event.Type),
		CreatedAt: time.Now().UTC(),
		Data:      event.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	deliveries := make([]domain.WebhookDelivery, 0, len(hooks))
	for _, hook := range hooks {
		deliveries = append(deliveries, domain.WebhookDelivery{
			ID:        uuid.New().String(),
			WebhookID: hook.ID,
			EventID:   event.ID,
			Event:     string(event.Type),
			Payload:   payload,
		})
	}
	return d.store.EnqueueDeliveries(ctx, deliveries)
}

// envelope is the wire format posted to tenant endpoints.
type envelope struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data"`
}
