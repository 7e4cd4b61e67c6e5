package webhookout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/beaconmail/beacon/internal/domain"
)

// claimLease is how far ClaimDue pushes next_attempt_at; a sender that dies
// mid-post releases its claims after this long.
const claimLease = 2 * time.Minute

// DBStore is the Postgres-backed Store.
type DBStore struct {
	db *sql.DB
}

// NewDBStore wraps db as the webhook store.
func NewDBStore(db *sql.DB) *DBStore {
	return &DBStore{db: db}
}

func (s *DBStore) CreateWebhook(ctx context.Context, w *domain.Webhook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, user_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		w.ID, w.UserID, w.URL, w.Secret, pq.Array(w.Events), w.Active)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	return nil
}

func (s *DBStore) Webhooks(ctx context.Context, userID string) ([]domain.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, url, secret, events, active, created_at
		FROM webhooks WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

func (s *DBStore) DeleteWebhook(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM webhooks WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	// Pending deliveries cascade via FK.
	return nil
}

func (s *DBStore) ActiveWebhooksFor(ctx context.Context, userID, event string) ([]domain.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, url, secret, events, active, created_at
		FROM webhooks
		WHERE user_id = $1 AND active = TRUE
		  AND (events = '{}' OR $2 = ANY(events))`,
		userID, event)
	if err != nil {
		return nil, fmt.Errorf("failed to match webhooks: %w", err)
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

func scanWebhooks(rows *sql.Rows) ([]domain.Webhook, error) {
	var hooks []domain.Webhook
	for rows.Next() {
		var w domain.Webhook
		if err := rows.Scan(&w.ID, &w.UserID, &w.URL, &w.Secret,
			pq.Array(&w.Events), &w.Active, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

func (s *DBStore) EnqueueDeliveries(ctx context.Context, deliveries []domain.WebhookDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delivery tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event_id, event, payload, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, NOW(), NOW())`)
	if err != nil {
		return fmt.Errorf("failed to prepare delivery insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range deliveries {
		if _, err := stmt.ExecContext(ctx, d.ID, d.WebhookID, d.EventID, d.Event, d.Payload); err != nil {
			return fmt.Errorf("failed to enqueue delivery %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

func (s *DBStore) ClaimDue(ctx context.Context, limit int) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE webhook_deliveries
			SET next_attempt_at = NOW() + $2 * INTERVAL '1 second'
			WHERE id IN (
				SELECT id FROM webhook_deliveries
				WHERE delivered_at IS NULL
				  AND next_attempt_at IS NOT NULL
				  AND next_attempt_at <= NOW()
				ORDER BY next_attempt_at
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, webhook_id, event_id, event, payload, attempts
		)
		SELECT c.id, c.event_id, c.event, c.payload, c.attempts, w.url, w.secret
		FROM claimed c
		JOIN webhooks w ON w.id = c.webhook_id`,
		limit, int(claimLease.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to claim due deliveries: %w", err)
	}
	defer rows.Close()

	var due []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.EventID, &d.Event, &d.Payload, &d.Attempts, &d.URL, &d.Secret); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

func (s *DBStore) MarkDelivered(ctx context.Context, id string, statusCode int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET delivered_at = NOW(), last_status_code = $2, last_error = '',
		    attempts = attempts + 1, next_attempt_at = NULL
		WHERE id = $1`, id, statusCode)
	return err
}

func (s *DBStore) MarkAttemptFailed(ctx context.Context, id string, statusCode int, errMsg string, nextAttempt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET attempts = attempts + 1, last_status_code = $2, last_error = $3, next_attempt_at = $4
		WHERE id = $1`, id, statusCode, errMsg, nextAttempt)
	return err
}

func (s *DBStore) Deliveries(ctx context.Context, userID, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.webhook_id, d.event_id, d.event, d.attempts,
		       d.last_status_code, d.last_error, d.next_attempt_at, d.delivered_at, d.created_at
		FROM webhook_deliveries d
		JOIN webhooks w ON w.id = d.webhook_id
		WHERE w.id = $1 AND w.user_id = $2
		ORDER BY d.created_at DESC
		LIMIT $3`, webhookID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookDelivery
	for rows.Next() {
		var d domain.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.Event, &d.Attempts,
			&d.LastStatusCode, &d.LastError, &d.NextAttemptAt, &d.DeliveredAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
