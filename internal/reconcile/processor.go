package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beaconmail/beacon/internal/domain"
	"github.com/beaconmail/beacon/internal/pkg/logger"
)

// Suppressor applies contact-level suppression when a bounce or complaint
// arrives.
type Suppressor interface {
	Suppress(ctx context.Context, userID, contactID string, status domain.ContactStatus) error
}

// Notifier fans a reconciled event out to tenant-configured webhooks.
type Notifier interface {
	Publish(ctx context.Context, event *domain.EmailEvent) error
}

const defaultBatchSize = 1000

// Processor drains the staging table and applies events to the send ledger.
// Run one per process; the SKIP LOCKED claim keeps multiple processes safe.
type Processor struct {
	store      Store
	suppressor Suppressor
	notifier   Notifier
	interval   time.Duration
	batchSize  int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewProcessor creates a processor polling at interval. suppressor and
// notifier may be nil, disabling the respective side effect.
func NewProcessor(store Store, suppressor Suppressor, notifier Notifier, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Processor{
		store:      store,
		suppressor: suppressor,
		notifier:   notifier,
		interval:   interval,
		batchSize:  defaultBatchSize,
	}
}

// Start launches the poll loop. It is a no-op if already running.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := p.ProcessBatch(ctx); err != nil {
					logger.Error("event reconciliation batch failed", "error", err.Error())
				} else if n > 0 {
					logger.Debug("reconciled delivery events", "count", n)
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight batch to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
}

// ProcessBatch claims one batch of staged events and applies each. A bad
// event is logged and skipped; it never blocks the rest of the batch.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	events, err := p.store.ClaimStaged(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, ev := range events {
		if err := p.apply(ctx, ev); err != nil {
			logger.Warn("failed to apply delivery event",
				"event_id", ev.EventID, "type", ev.Type, "error", err.Error())
			continue
		}
		applied++
	}
	return applied, nil
}

func (p *Processor) apply(ctx context.Context, ev StagedEvent) error {
	eventType, err := eventTypeFor(ev.Type)
	if err != nil {
		return err
	}

	send, err := p.store.FindSend(ctx, ev.MessageID)
	if err != nil {
		return err
	}
	if send == nil {
		// Providers replay history for messages sent outside this system.
		logger.Debug("delivery event for unknown message", "message_id", ev.MessageID)
		return nil
	}

	if status := sendStatusFor(eventType); status != "" {
		advanced, err := p.store.AdvanceSend(ctx, send.ID, status, eventType, ev.OccurredAt, ev.Reason)
		if err != nil {
			return err
		}
		if !advanced && eventType != domain.EventBounced && eventType != domain.EventComplained {
			// Duplicate or out-of-order event; the log row below still records it.
			logger.Debug("send already past status", "send_id", send.ID, "status", status)
		}
	} else {
		if err := p.store.StampEngagement(ctx, send.ID, eventType, ev.OccurredAt); err != nil {
			return err
		}
	}

	if suppressTo := suppressionFor(eventType); suppressTo != "" && p.suppressor != nil {
		if err := p.suppressor.Suppress(ctx, send.UserID, send.ContactID, suppressTo); err != nil {
			logger.Warn("failed to suppress contact after delivery event",
				"contact_id", send.ContactID, "status", string(suppressTo), "error", err.Error())
		}
	}

	logged := &domain.EmailEvent{
		ID:     uuid.New().String(),
		SendID: send.ID,
		UserID: send.UserID,
		Type:   eventType,
		Payload: map[string]any{
			"provider":    ev.Provider,
			"event_id":    ev.EventID,
			"message_id":  ev.MessageID,
			"campaign_id": send.CampaignID,
			"contact_id":  send.ContactID,
			"email":       send.Email,
			"reason":      ev.Reason,
			"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339),
		},
	}
	if err := p.store.InsertEvent(ctx, logged); err != nil {
		return err
	}

	if p.notifier != nil {
		if err := p.notifier.Publish(ctx, logged); err != nil {
			logger.Warn("failed to queue outbound webhook", "event_id", logged.ID, "error", err.Error())
		}
	}
	return nil
}
