package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/beaconmail/beacon/internal/api"
	"github.com/beaconmail/beacon/internal/audience"
	"github.com/beaconmail/beacon/internal/config"
	"github.com/beaconmail/beacon/internal/pkg/logger"
	"github.com/beaconmail/beacon/internal/queue"
	"github.com/beaconmail/beacon/internal/ratelimit"
	"github.com/beaconmail/beacon/internal/reconcile"
	"github.com/beaconmail/beacon/internal/render"
	"github.com/beaconmail/beacon/internal/repository/postgres"
	"github.com/beaconmail/beacon/internal/service/campaign"
	"github.com/beaconmail/beacon/internal/service/contact"
	"github.com/beaconmail/beacon/internal/unsubscribe"
	"github.com/beaconmail/beacon/internal/webhookout"
)

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

	var limiter *ratelimit.Limiter
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		limiter, err = ratelimit.NewLimiterFromURL(cfg.Redis.URL, time.Hour)
		if err != nil {
			logger.Warn("redis unavailable, quotas disabled", "error", err)
			limiter = nil
		} else {
			defer limiter.Close()
		}
	}

	q := queue.New(db, cfg.Dispatch.MaxAttempts)
	engine := render.NewEngine()
	resolver := audience.NewResolver(postgres.NewAudienceRepo(db))

	// A typed nil *Limiter inside the interface would dodge the service's
	// nil check, so only assign when the limiter exists.
	var tenantLimiter campaign.TenantLimiter
	if limiter != nil {
		tenantLimiter = limiter
	}
	campaigns := campaign.NewService(
		postgres.NewCampaignRepo(db), resolver, q, tenantLimiter, engine,
		cfg.RateLimit.TenantPerHour,
	)
	contacts := contact.NewService(postgres.NewContactRepo(db))

	handlers := &api.Handlers{
		Campaigns: campaigns,
		Contacts:  contacts,
		Webhooks:  webhookout.NewDBStore(db),
		Ingestor: reconcile.NewIngestor(
			reconcile.NewVerifier(cfg.Provider.WebhookSecret, 5*time.Minute),
			reconcile.NewDBStore(db),
		),
		DeadLetters: q,
		Tokens:      unsubscribe.NewTokens(cfg.Unsubscribe.Secret, cfg.Unsubscribe.BaseURL),
		Limiter:     limiter,
		ActionQuotas: cfg.RateLimit.Actions,
	}

	server := api.NewServer(handlers)

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", addr)
		errCh <- server.ListenAndServe(addr)
	}()

	select {
	case err := <-errCh:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case <-done:
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
}
