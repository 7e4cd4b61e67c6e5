package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/beaconmail/beacon/internal/audience"
	"github.com/beaconmail/beacon/internal/config"
	"github.com/beaconmail/beacon/internal/dispatch"
	"github.com/beaconmail/beacon/internal/pkg/distlock"
	"github.com/beaconmail/beacon/internal/pkg/logger"
	"github.com/beaconmail/beacon/internal/provider"
	"github.com/beaconmail/beacon/internal/queue"
	"github.com/beaconmail/beacon/internal/ratelimit"
	"github.com/beaconmail/beacon/internal/reconcile"
	"github.com/beaconmail/beacon/internal/render"
	"github.com/beaconmail/beacon/internal/repository/postgres"
	"github.com/beaconmail/beacon/internal/scheduler"
	"github.com/beaconmail/beacon/internal/service/campaign"
	"github.com/beaconmail/beacon/internal/service/contact"
	"github.com/beaconmail/beacon/internal/unsubscribe"
	"github.com/beaconmail/beacon/internal/webhookout"
)

// openThrottle never delays dispatch. Used when Redis is not configured.
type openThrottle struct{}

func (openThrottle) Reserve(context.Context, string, int) (bool, time.Duration) {
	return true, 0
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.RedactPII)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		logger.Error("ping database", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Warn("invalid redis URL, continuing without redis", "error", err)
		} else {
			redisClient = redis.NewClient(opts)
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := redisClient.Ping(pingCtx).Err(); err != nil {
				logger.Warn("redis unavailable, continuing without redis", "error", err)
				redisClient.Close()
				redisClient = nil
			}
			pingCancel()
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Senders, keyed by provider credential kind.
	senders := map[string]provider.Sender{}
	httpSender := provider.NewHTTPSender(cfg.Provider.APIKey, cfg.Provider.BaseURL, nil)
	senders[httpSender.Name()] = httpSender
	if cfg.SES.Enabled && cfg.SES.AccessKey != "" {
		sesSender, err := provider.NewSESSender(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
		if err != nil {
			logger.Warn("ses sender init failed", "error", err)
		} else {
			senders[sesSender.Name()] = sesSender
		}
	}

	var throttle dispatch.Throttle = openThrottle{}
	var tenantLimiter campaign.TenantLimiter
	if redisClient != nil {
		throttle = ratelimit.NewProviderThrottle(redisClient, cfg.RateLimit.ProviderPerMinute)
		tenantLimiter = ratelimit.NewLimiter(redisClient, time.Hour)
	}

	q := queue.New(db, cfg.Dispatch.MaxAttempts)
	campRepo := postgres.NewCampaignRepo(db)
	engine := render.NewEngine()
	tokens := unsubscribe.NewTokens(cfg.Unsubscribe.Secret, cfg.Unsubscribe.BaseURL)
	contacts := contact.NewService(postgres.NewContactRepo(db))

	pool := dispatch.NewPool(dispatch.Config{
		Queue:        q,
		Ledger:       dispatch.NewDBLedger(db),
		Campaigns:    campRepo,
		Senders:      senders,
		Renderer:     engine,
		Throttle:     throttle,
		Unsub:        tokens,
		Registry:     dispatch.NewDBRegistry(db),
		Workers:      cfg.Dispatch.Workers,
		BatchSize:    cfg.Dispatch.BatchSize,
		PollInterval: cfg.Dispatch.PollInterval(),
	})
	pool.Start(ctx)

	// Provider event reconciliation: staged rows in, ledger advances and
	// tenant webhook fan-out.
	hookStore := webhookout.NewDBStore(db)
	processor := reconcile.NewProcessor(
		reconcile.NewDBStore(db),
		contacts,
		webhookout.NewDispatcher(hookStore),
		2*time.Second,
	)
	processor.Start(ctx)

	hookSender := webhookout.NewSender(hookStore, nil, cfg.Webhooks.PollInterval(), cfg.Webhooks.MaxAttempts)
	hookSender.Start(ctx)

	// Scheduled campaign sweep. The lock elects one sweeper across worker
	// instances; compare-and-set on the campaign row covers the rest.
	campaigns := campaign.NewService(
		campRepo,
		audience.NewResolver(postgres.NewAudienceRepo(db)),
		q, tenantLimiter, engine, cfg.RateLimit.TenantPerHour,
	)
	sweepLock := distlock.New(redisClient, db, "campaign-scheduler", time.Minute)
	sched := scheduler.New(campRepo, campaigns, sweepLock, 30*time.Second)
	sched.SetFinisher(campRepo)
	sched.Start(ctx)

	logger.Info("worker started",
		"dispatch_workers", cfg.Dispatch.Workers,
		"senders", len(senders),
		"redis", redisClient != nil)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	sched.Stop()
	hookSender.Stop()
	processor.Stop()
	pool.Stop()
	cancel()
	logger.Info("worker stopped")
}
