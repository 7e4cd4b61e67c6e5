package dispatch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/beaconmail/beacon/internal/pkg/logger"
	"github.com/beaconmail/beacon/internal/provider"
	"github.com/beaconmail/beacon/internal/queue"
)

// SendQueue is the queue surface the pool drives.
type SendQueue interface {
	Claim(ctx context.Context, workerID string, batchSize int) ([]queue.Item, error)
	MarkSent(ctx context.Context, itemID, providerMessageID string) error
	MarkFailed(ctx context.Context, itemID, errMsg string) (bool, error)
	MarkFailedPermanent(ctx context.Context, itemID, errMsg string) error
	MarkSkipped(ctx context.Context, itemID, reason string) error
	Release(ctx context.Context, itemID string, notBefore time.Time) error
	PendingCount(ctx context.Context, campaignID string) (int, error)
}

// Ledger records delivery outcomes on the send ledger and contacts.
type Ledger interface {
	ContactSuppressed(ctx context.Context, contactID string) (bool, error)
	MarkSendSent(ctx context.Context, sendID, providerMessageID string) error
	MarkSendFailed(ctx context.Context, sendID, reason string) error
	TouchContact(ctx context.Context, contactID string) error
}

// Completer closes out a campaign once its queue drains.
type Completer interface {
	CompleteIfSending(ctx context.Context, campaignID string) (bool, error)
}

// Throttle gates provider handoffs. A denied reservation reports how long
// to wait.
type Throttle interface {
	Reserve(ctx context.Context, provider string, n int) (bool, time.Duration)
}

// Renderer expands per-recipient templates.
type Renderer interface {
	Render(cacheKey, templateStr string, vars map[string]interface{}) (string, error)
}

// UnsubscribeLinker builds the per-recipient unsubscribe URL.
type UnsubscribeLinker interface {
	URL(userID, campaignID, contactID string) string
}

// Registry tracks pool liveness. Optional; a nil registry disables
// registration and heartbeats.
type Registry interface {
	Register(ctx context.Context, workerID string, capacity int) error
	Heartbeat(ctx context.Context, workerID string, stats map[string]int64) error
	Deregister(workerID string) error
}

// Config wires the pool's collaborators.
type Config struct {
	Queue     SendQueue
	Ledger    Ledger
	Campaigns Completer
	Senders   map[string]provider.Sender
	Renderer  Renderer
	Throttle  Throttle
	Unsub     UnsubscribeLinker
	Registry  Registry

	Workers      int
	BatchSize    int
	PollInterval time.Duration
}

// Pool is the dispatch worker pool. One pool per process; the queue's
// claim semantics keep multiple processes safe.
type Pool struct {
	cfg      Config
	workerID string

	totalSent    int64
	totalFailed  int64
	totalSkipped int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a pool with sane defaults for unset sizes.
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{
		cfg:      cfg,
		workerID: fmt.Sprintf("dispatch-%s", uuid.New().String()[:8]),
	}
}

// Start launches the workers and the heartbeat loop. No-op when running.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	logger.Info("dispatch pool starting",
		"worker_id", p.workerID, "workers", p.cfg.Workers, "batch_size", p.cfg.BatchSize)

	p.register(ctx)
	p.wg.Add(1)
	go p.heartbeatLoop(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop cancels the workers and waits for in-flight items to settle.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.deregister()

	logger.Info("dispatch pool stopped",
		"sent", atomic.LoadInt64(&p.totalSent),
		"failed", atomic.LoadInt64(&p.totalFailed),
		"skipped", atomic.LoadInt64(&p.totalSkipped))
}

// Stats reports lifetime counters for this pool instance.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"sent":    atomic.LoadInt64(&p.totalSent),
		"failed":  atomic.LoadInt64(&p.totalFailed),
		"skipped": atomic.LoadInt64(&p.totalSkipped),
	}
}

func (p *Pool) worker(ctx context.Context, num int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		items, err := p.cfg.Queue.Claim(ctx, p.workerID, p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to claim batch", "worker", num, "error", err.Error())
			sleep(ctx, time.Second)
			continue
		}
		if len(items) == 0 {
			sleep(ctx, p.cfg.PollInterval)
			continue
		}

		campaigns := make(map[string]struct{})
		for _, item := range items {
			campaigns[item.CampaignID] = struct{}{}
			if err := p.processItem(ctx, item); err != nil {
				logger.Error("failed to process queue item",
					"worker", num, "item_id", item.ID, "error", err.Error())
			}
		}

		for campaignID := range campaigns {
			p.checkCompletion(ctx, campaignID)
		}
	}
}

// ProcessOne runs the full dispatch path for a single claimed item. Exposed
// for the worker loop and for direct use in tests.
func (p *Pool) ProcessOne(ctx context.Context, item queue.Item) error {
	return p.processItem(ctx, item)
}

func (p *Pool) processItem(ctx context.Context, item queue.Item) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Suppression can land after enqueue; the queue snapshot is not trusted.
	suppressed, err := p.cfg.Ledger.ContactSuppressed(ctx, item.ContactID)
	if err != nil {
		logger.Warn("suppression re-check failed", "contact_id", item.ContactID, "error", err.Error())
	}
	if suppressed {
		atomic.AddInt64(&p.totalSkipped, 1)
		if err := p.cfg.Queue.MarkSkipped(ctx, item.ID, "suppressed"); err != nil {
			return err
		}
		return p.cfg.Ledger.MarkSendFailed(ctx, item.ID, "suppressed")
	}

	msg, err := p.buildMessage(item)
	if err != nil {
		// A template that cannot render for this recipient never will.
		atomic.AddInt64(&p.totalFailed, 1)
		if qerr := p.cfg.Queue.MarkFailedPermanent(ctx, item.ID, err.Error()); qerr != nil {
			return qerr
		}
		return p.cfg.Ledger.MarkSendFailed(ctx, item.ID, err.Error())
	}

	sender, ok := p.cfg.Senders[item.ProviderKind]
	if !ok {
		sender = p.cfg.Senders["http"]
	}
	if sender == nil {
		atomic.AddInt64(&p.totalFailed, 1)
		if qerr := p.cfg.Queue.MarkFailedPermanent(ctx, item.ID, "no sender configured for "+item.ProviderKind); qerr != nil {
			return qerr
		}
		return p.cfg.Ledger.MarkSendFailed(ctx, item.ID, "no sender configured")
	}

	if p.cfg.Throttle != nil {
		if ok, wait := p.cfg.Throttle.Reserve(ctx, sender.Name(), 1); !ok {
			return p.cfg.Queue.Release(ctx, item.ID, time.Now().Add(wait))
		}
	}

	result, err := sender.Send(ctx, msg)
	if err != nil {
		return p.recordFailure(ctx, item, err)
	}

	atomic.AddInt64(&p.totalSent, 1)
	if err := p.cfg.Queue.MarkSent(ctx, item.ID, result.MessageID); err != nil {
		return err
	}
	if err := p.cfg.Ledger.MarkSendSent(ctx, item.ID, result.MessageID); err != nil {
		logger.Warn("failed to update send ledger", "send_id", item.ID, "error", err.Error())
	}
	if err := p.cfg.Ledger.TouchContact(ctx, item.ContactID); err != nil {
		logger.Warn("failed to touch contact", "contact_id", item.ContactID, "error", err.Error())
	}
	return nil
}

func (p *Pool) recordFailure(ctx context.Context, item queue.Item, sendErr error) error {
	atomic.AddInt64(&p.totalFailed, 1)

	if !provider.IsRetryable(sendErr) {
		if err := p.cfg.Queue.MarkFailedPermanent(ctx, item.ID, sendErr.Error()); err != nil {
			return err
		}
		return p.cfg.Ledger.MarkSendFailed(ctx, item.ID, sendErr.Error())
	}

	dead, err := p.cfg.Queue.MarkFailed(ctx, item.ID, sendErr.Error())
	if err != nil {
		return err
	}
	if dead {
		return p.cfg.Ledger.MarkSendFailed(ctx, item.ID, sendErr.Error())
	}
	return nil
}

func (p *Pool) buildMessage(item queue.Item) (*provider.Message, error) {
	vars := make(map[string]interface{}, len(item.MergeVars)+1)
	for k, v := range item.MergeVars {
		vars[k] = v
	}
	unsubURL := ""
	if p.cfg.Unsub != nil {
		unsubURL = p.cfg.Unsub.URL(item.UserID, item.CampaignID, item.ContactID)
		vars["unsubscribe_url"] = unsubURL
	}

	subject, err := p.cfg.Renderer.Render(item.CampaignID+":subject", item.Subject, vars)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	html, err := p.cfg.Renderer.Render(item.CampaignID+":html", item.HTMLContent, vars)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	text := ""
	if item.TextContent != "" {
		if text, err = p.cfg.Renderer.Render(item.CampaignID+":text", item.TextContent, vars); err != nil {
			return nil, fmt.Errorf("render text: %w", err)
		}
	}

	name, _ := item.MergeVars["first_name"].(string)
	return &provider.Message{
		To:             item.Email,
		ToName:         name,
		FromEmail:      item.FromEmail,
		FromName:       item.FromName,
		ReplyTo:        item.ReplyTo,
		Subject:        subject,
		HTMLContent:    html,
		TextContent:    text,
		CampaignID:     item.CampaignID,
		ContactID:      item.ContactID,
		SendID:         item.ID,
		UnsubscribeURL: unsubURL,
	}, nil
}

func (p *Pool) checkCompletion(ctx context.Context, campaignID string) {
	pending, err := p.cfg.Queue.PendingCount(ctx, campaignID)
	if err != nil || pending > 0 {
		return
	}
	done, err := p.cfg.Campaigns.CompleteIfSending(ctx, campaignID)
	if err != nil {
		logger.Warn("failed to complete campaign", "campaign_id", campaignID, "error", err.Error())
		return
	}
	if done {
		logger.Info("campaign completed", "campaign_id", campaignID)
	}
}

func (p *Pool) register(ctx context.Context) {
	if p.cfg.Registry == nil {
		return
	}
	if err := p.cfg.Registry.Register(ctx, p.workerID, p.cfg.Workers*p.cfg.BatchSize); err != nil {
		logger.Warn("worker registration failed", "worker_id", p.workerID, "error", err.Error())
	}
}

func (p *Pool) deregister() {
	if p.cfg.Registry == nil {
		return
	}
	if err := p.cfg.Registry.Deregister(p.workerID); err != nil {
		logger.Warn("worker deregistration failed", "worker_id", p.workerID, "error", err.Error())
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	if p.cfg.Registry == nil {
		return
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.cfg.Registry.Heartbeat(ctx, p.workerID, p.Stats()); err != nil {
				logger.Debug("heartbeat failed", "worker_id", p.workerID, "error", err.Error())
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
