package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beaconmail/beacon/internal/domain"
)

// ErrUnknownEventType marks event types the reconciler does not track.
var ErrUnknownEventType = errors.New("unknown event type")

// Event is one provider delivery notification in the inbound webhook
// payload. EventID is the provider's own identifier and drives staging
// dedup; MessageID correlates back to the send that produced the message.
type Event struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// ParseBatch decodes an inbound webhook body. Providers post either a bare
// array or an envelope with an "events" key.
func ParseBatch(body []byte) ([]Event, error) {
	var events []Event
	if err := json.Unmarshal(body, &events); err == nil {
		return events, nil
	}

	var envelope struct {
		Events []Event `json:"events"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode event batch: %w", err)
	}
	return envelope.Events, nil
}

// eventTypeFor maps a provider event type string to the internal event
// type. Accepts the canonical "email.*" forms alongside the bare names and
// common provider aliases.
func eventTypeFor(providerType string) (domain.EventType, error) {
	switch strings.TrimPrefix(providerType, "email.") {
	case "sent", "injection":
		return domain.EventSent, nil
	case "delivered", "delivery":
		return domain.EventDelivered, nil
	case "open", "opened", "initial_open":
		return domain.EventOpened, nil
	case "click", "clicked":
		return domain.EventClicked, nil
	case "bounce", "bounced", "out_of_band":
		return domain.EventBounced, nil
	case "complaint", "complained", "spam_complaint":
		return domain.EventComplained, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventType, providerType)
}

// sendStatusFor returns the send status an event advances a row to, or ""
// for engagement events that only stamp timestamps.
func sendStatusFor(t domain.EventType) domain.SendStatus {
	switch t {
	case domain.EventSent:
		return domain.SendSent
	case domain.EventDelivered:
		return domain.SendDelivered
	case domain.EventBounced:
		return domain.SendBounced
	case domain.EventComplained:
		return domain.SendComplained
	}
	return ""
}

// suppressionFor returns the contact status an event suppresses a contact
// to, or "" when the event carries no suppression side effect.
func suppressionFor(t domain.EventType) domain.ContactStatus {
	switch t {
	case domain.EventBounced:
		return domain.ContactBounced
	case domain.EventComplained:
		return domain.ContactComplained
	}
	return ""
}
