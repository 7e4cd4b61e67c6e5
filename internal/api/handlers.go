package api

import (
	"context"

	"github.com/beaconmail/beacon/internal/queue"
	"github.com/beaconmail/beacon/internal/ratelimit"
	"github.com/beaconmail/beacon/internal/reconcile"
	"github.com/beaconmail/beacon/internal/service/campaign"
	"github.com/beaconmail/beacon/internal/service/contact"
	"github.com/beaconmail/beacon/internal/unsubscribe"
	"github.com/beaconmail/beacon/internal/webhookout"
)

// DeadLetterLister surfaces permanently failed queue rows.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, userID, campaignID string, limit, offset int) ([]queue.DeadLetter, error)
}

// Handlers bundles the services the API fronts.
type Handlers struct {
	Campaigns   *campaign.Service
	Contacts    *contact.Service
	Webhooks    webhookout.Store
	Ingestor    *reconcile.Ingestor
	DeadLetters DeadLetterLister
	Tokens      *unsubscribe.Tokens

	// Limiter gates expensive API action classes per tenant. Nil disables
	// the gates.
	Limiter      *ratelimit.Limiter
	ActionQuotas map[string]int64
}
