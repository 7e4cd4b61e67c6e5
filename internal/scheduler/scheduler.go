// Package scheduler fires scheduled campaigns when their send time arrives.
// A single instance should run the sweep at a time; the distributed lock
// keeps extra instances idle without any coordination between them.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/beaconmail/beacon/internal/audience"
	"github.com/beaconmail/beacon/internal/pkg/distlock"
	"github.com/beaconmail/beacon/internal/pkg/logger"
	"github.com/beaconmail/beacon/internal/service/campaign"
)

// ScheduledRef identifies one due campaign.
type ScheduledRef struct {
	UserID     string
	CampaignID string
}

// Source lists campaigns whose scheduled time has passed.
type Source interface {
	DueScheduled(ctx context.Context, limit int) ([]ScheduledRef, error)
}

// Trigger starts or demotes a campaign. Satisfied by the campaign service.
type Trigger interface {
	Send(ctx context.Context, userID, id string) (int, error)
	Unschedule(ctx context.Context, userID, id string) error
}

// Finisher completes sending campaigns whose queue has drained. Dispatch
// normally completes them per batch; the sweep covers worker crashes.
type Finisher interface {
	CompleteIdle(ctx context.Context, limit int) (int, error)
}

// Scheduler polls for due campaigns and triggers their send.
type Scheduler struct {
	source   Source
	trigger  Trigger
	finisher Finisher
	lock     distlock.Lock
	interval time.Duration
	batch    int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler. lock may be nil for single-instance deployments.
func New(source Source, trigger Trigger, lock distlock.Lock, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		source:   source,
		trigger:  trigger,
		lock:     lock,
		interval: interval,
		batch:    50,
	}
}

// SetFinisher enables the idle-completion pass of the sweep.
func (s *Scheduler) SetFinisher(f Finisher) { s.finisher = f }

// Start launches the polling loop. No-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()

	logger.Info("campaign scheduler started", "interval", s.interval.String())
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.done
	s.running = false
}

// Sweep fires every due campaign once. Safe to call concurrently across
// processes: the lock elects one sweeper, and the send trigger's
// compare-and-set makes a duplicate fire a no-op anyway.
func (s *Scheduler) Sweep(ctx context.Context) {
	if s.lock != nil {
		ok, err := s.lock.TryAcquire(ctx)
		if err != nil {
			logger.Warn("scheduler lock error", "error", err)
			return
		}
		if !ok {
			return
		}
		defer s.lock.Release(ctx)
	}

	if s.finisher != nil {
		if n, err := s.finisher.CompleteIdle(ctx, s.batch); err != nil {
			logger.Error("complete idle campaigns", "error", err)
		} else if n > 0 {
			logger.Info("completed idle campaigns", "count", n)
		}
	}

	due, err := s.source.DueScheduled(ctx, s.batch)
	if err != nil {
		logger.Error("list due campaigns", "error", err)
		return
	}

	for _, ref := range due {
		n, err := s.trigger.Send(ctx, ref.UserID, ref.CampaignID)
		switch {
		case err == nil:
			logger.Info("scheduled campaign fired",
				"campaign_id", ref.CampaignID, "recipients", n)
		case errors.Is(err, campaign.ErrAlreadySending):
			// Another instance won the race.
		case errors.Is(err, campaign.ErrNoContent),
			errors.Is(err, campaign.ErrNoCredential),
			errors.Is(err, audience.ErrNoLists),
			errors.Is(err, audience.ErrEmptyAudience):
			// The campaign can never fire as configured. Demote it to draft
			// so the sweep stops retrying and the tenant sees it parked.
			logger.Warn("scheduled campaign demoted to draft",
				"campaign_id", ref.CampaignID, "error", err)
			if uErr := s.trigger.Unschedule(ctx, ref.UserID, ref.CampaignID); uErr != nil {
				logger.Error("demote scheduled campaign",
					"campaign_id", ref.CampaignID, "error", uErr)
			}
		default:
			// Transient (quota, database). The row stays scheduled and the
			// next sweep retries it.
			logger.Warn("scheduled campaign fire failed",
				"campaign_id", ref.CampaignID, "error", err)
		}
	}
}
