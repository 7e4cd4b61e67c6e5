package reconcile

import (
	"context"

	"github.com/beaconmail/beacon/internal/pkg/logger"
)

// Ingestor is the inbound half of the reconciler: verify, parse, stage.
// The HTTP handler calls it and returns 200 as soon as events are durable;
// everything else happens in the Processor.
type Ingestor struct {
	verifier *Verifier
	store    Store
}

// NewIngestor wires signature verification to the staging store.
func NewIngestor(verifier *Verifier, store Store) *Ingestor {
	return &Ingestor{verifier: verifier, store: store}
}

// Ingest verifies the signature header, parses the batch, and stages it.
// Events missing an event or message ID are dropped with a warning since
// they can never be deduplicated or correlated.
func (i *Ingestor) Ingest(ctx context.Context, provider string, body []byte, sigHeader string) (int, error) {
	if err := i.verifier.Verify(body, sigHeader); err != nil {
		return 0, err
	}

	events, err := ParseBatch(body)
	if err != nil {
		return 0, err
	}

	valid := events[:0]
	for _, ev := range events {
		if ev.EventID == "" || ev.MessageID == "" {
			logger.Warn("dropping malformed delivery event", "provider", provider, "type", ev.Type)
			continue
		}
		valid = append(valid, ev)
	}

	return i.store.Stage(ctx, provider, valid)
}
