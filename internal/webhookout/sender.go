package webhookout

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/beaconmail/beacon/internal/pkg/httpretry"
	"github.com/beaconmail/beacon/internal/pkg/logger"
	"github.com/beaconmail/beacon/internal/reconcile"
)

// retryTiers is the wait before each re-attempt; attempt N failing schedules
// attempt N+1 after retryTiers[N]. Past the configured max the delivery is
// retired.
var retryTiers = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
	4 * time.Hour,
}

// Sender drains due webhook deliveries and posts them. The durable rows
// are the retry mechanism; each claimed delivery gets exactly one HTTP
// attempt per pass.
type Sender struct {
	store       Store
	client      httpretry.HTTPDoer
	interval    time.Duration
	batchSize   int
	maxAttempts int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSender creates a sender polling at interval. maxAttempts <= 0 defaults
// to 5.
func NewSender(store Store, client httpretry.HTTPDoer, interval time.Duration, maxAttempts int) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Sender{
		store:       store,
		client:      client,
		interval:    interval,
		batchSize:   100,
		maxAttempts: maxAttempts,
	}
}

// Start launches the delivery loop. No-op when running.
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Drain(ctx); err != nil {
					logger.Error("webhook delivery pass failed", "error", err.Error())
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight pass.
func (s *Sender) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Drain claims and attempts one batch of due deliveries.
func (s *Sender) Drain(ctx context.Context) error {
	due, err := s.store.ClaimDue(ctx, s.batchSize)
	if err != nil {
		return err
	}

	for _, d := range due {
		s.attempt(ctx, d)
	}
	return nil
}

func (s *Sender) attempt(ctx context.Context, d Delivery) {
	statusCode, err := s.post(ctx, d)
	if err == nil && statusCode >= 200 && statusCode < 300 {
		if err := s.store.MarkDelivered(ctx, d.ID, statusCode); err != nil {
			logger.Error("failed to finalize webhook delivery", "delivery_id", d.ID, "error", err.Error())
		}
		return
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else {
		errMsg = http.StatusText(statusCode)
	}

	attempt := d.Attempts + 1
	var next *time.Time
	if attempt < s.maxAttempts {
		at := time.Now().Add(tierFor(attempt))
		next = &at
	} else {
		logger.Warn("webhook delivery retired",
			"delivery_id", d.ID, "url", d.URL, "attempts", attempt, "error", errMsg)
	}

	if err := s.store.MarkAttemptFailed(ctx, d.ID, statusCode, errMsg, next); err != nil {
		logger.Error("failed to record webhook attempt", "delivery_id", d.ID, "error", err.Error())
	}
}

func (s *Sender) post(ctx context.Context, d Delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "beacon-webhooks/1.0")
	req.Header.Set("X-Beacon-Event", d.Event)
	req.Header.Set("X-Beacon-Delivery", d.ID)
	req.Header.Set("X-Beacon-Signature", reconcile.Sign(d.Secret, d.Payload, time.Now()))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// tierFor returns the wait after the given completed attempt count.
func tierFor(attempt int) time.Duration {
	if attempt <= 0 {
		return retryTiers[0]
	}
	if attempt > len(retryTiers) {
		return retryTiers[len(retryTiers)-1]
	}
	return retryTiers[attempt-1]
}
