// Package queue implements the durable send queue on PostgreSQL. Rows are
// claimed with FOR UPDATE SKIP LOCKED so any number of dispatch workers can
// drain the same campaign without handing a recipient to two workers.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/beaconmail/beacon/internal/domain"
	"github.com/beaconmail/beacon/internal/pkg/logger"
)

// Stale claims are reclaimed after this long; covers a worker that died
// mid-batch.
const lockTimeout = 5 * time.Minute

// Item is a claimed queue row joined with the campaign fields the dispatcher
// needs to render and hand off the message.
type Item struct {
	ID         string
	UserID     string
	CampaignID string
	ContactID  string
	Email      string
	MergeVars  map[string]interface{}
	Attempts   int

	Subject      string
	HTMLContent  string
	TextContent  string
	FromName     string
	FromEmail    string
	ReplyTo      string
	ProviderKind string
}

// DeadLetter is a permanently failed queue row, surfaced for inspection.
type DeadLetter struct {
	ID            string    `json:"id"`
	CampaignID    string    `json:"campaign_id"`
	ContactID     string    `json:"contact_id"`
	Email         string    `json:"email"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// Queue is the PostgreSQL-backed send queue.
type Queue struct {
	db          *sql.DB
	maxAttempts int
}

// New creates a queue. maxAttempts counts the first delivery attempt, so 3
// means one try plus two retries before dead-lettering.
func New(db *sql.DB, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{db: db, maxAttempts: maxAttempts}
}

// EnqueueBulk inserts one queue row and one email_sends row per contact
// inside a single transaction using COPY. Either the whole audience is
// enqueued or none of it.
func (q *Queue) EnqueueBulk(ctx context.Context, campaign *domain.Campaign, contacts []domain.Contact) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}

	start := time.Now()

	txn, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue: %w", err)
	}
	defer txn.Rollback()

	stmt, err := txn.PrepareContext(ctx, pq.CopyIn(
		"send_queue",
		"id", "user_id", "campaign_id", "contact_id", "email",
		"merge_vars", "status", "attempts", "scheduled_at", "created_at",
	))
	if err != nil {
		return 0, fmt.Errorf("prepare queue copy: %w", err)
	}

	now := time.Now()
	sendIDs := make(map[string]string, len(contacts)) // contact id -> send id

	for _, c := range contacts {
		mergeVars := map[string]interface{}{
			"email":      c.Email,
			"first_name": c.FirstName,
			"last_name":  c.LastName,
		}
		for k, v := range c.Metadata {
			mergeVars[k] = v
		}

		varsJSON, err := json.Marshal(mergeVars)
		if err != nil {
			logger.Warn("merge vars not serializable, sending without",
				"email", c.Email, "error", err)
			varsJSON = []byte("{}")
		}

		id := uuid.New().String()
		sendIDs[c.ID] = id
		if _, err := stmt.ExecContext(ctx,
			id, campaign.UserID, campaign.ID, c.ID, c.Email,
			string(varsJSON), "queued", 0, now, now,
		); err != nil {
			return 0, fmt.Errorf("copy queue row: %w", err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return 0, fmt.Errorf("flush queue copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("close queue copy: %w", err)
	}

	// One pending email_sends row per recipient, sharing the queue row ID so
	// delivery events can be applied to the right send.
	sendStmt, err := txn.PrepareContext(ctx, pq.CopyIn(
		"email_sends",
		"id", "user_id", "campaign_id", "contact_id", "email", "status", "created_at",
	))
	if err != nil {
		return 0, fmt.Errorf("prepare sends copy: %w", err)
	}
	for _, c := range contacts {
		if _, err := sendStmt.ExecContext(ctx,
			sendIDs[c.ID], campaign.UserID, campaign.ID, c.ID, c.Email,
			string(domain.SendPending), now,
		); err != nil {
			return 0, fmt.Errorf("copy send row: %w", err)
		}
	}
	if _, err := sendStmt.ExecContext(ctx); err != nil {
		return 0, fmt.Errorf("flush sends copy: %w", err)
	}
	if err := sendStmt.Close(); err != nil {
		return 0, fmt.Errorf("close sends copy: %w", err)
	}

	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("commit enqueue: %w", err)
	}

	elapsed := time.Since(start)
	logger.Info("enqueued campaign audience",
		"campaign_id", campaign.ID, "recipients", len(contacts),
		"elapsed_ms", elapsed.Milliseconds())

	return len(contacts), nil
}

// Claim atomically takes up to batchSize due rows for workerID. Only rows
// whose campaign is still sending are eligible, so pausing or cancelling a
// campaign stops dispatch at the next claim without touching queue rows.
// Rows stuck at claimed past lockTimeout belong to a dead worker and are
// claimed again like queued ones.
func (q *Queue) Claim(ctx context.Context, workerID string, batchSize int) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE send_queue
			SET status = 'claimed', worker_id = $1, locked_at = NOW()
			WHERE id IN (
				SELECT q.id FROM send_queue q
				JOIN campaigns c ON c.id = q.campaign_id
				WHERE (q.status = 'queued'
				       OR (q.status = 'claimed' AND q.locked_at < NOW() - $3 * INTERVAL '1 second'))
				  AND q.scheduled_at <= NOW()
				  AND c.status = 'sending'
				ORDER BY q.scheduled_at ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, user_id, campaign_id, contact_id, email, merge_vars, attempts
		)
		SELECT
			cl.id, cl.user_id, cl.campaign_id, cl.contact_id, cl.email,
			cl.merge_vars, cl.attempts,
			c.subject, c.html_content, COALESCE(c.plain_content, ''),
			c.from_name, c.from_email, COALESCE(c.reply_to, ''),
			COALESCE(pc.kind, 'http')
		FROM claimed cl
		JOIN campaigns c ON c.id = cl.campaign_id
		LEFT JOIN provider_credentials pc ON pc.id = c.credential_id
	`, workerID, batchSize, int(lockTimeout.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var varsRaw []byte
		if err := rows.Scan(
			&item.ID, &item.UserID, &item.CampaignID, &item.ContactID, &item.Email,
			&varsRaw, &item.Attempts,
			&item.Subject, &item.HTMLContent, &item.TextContent,
			&item.FromName, &item.FromEmail, &item.ReplyTo,
			&item.ProviderKind,
		); err != nil {
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}
		if len(varsRaw) > 0 {
			if err := json.Unmarshal(varsRaw, &item.MergeVars); err != nil {
				item.MergeVars = map[string]interface{}{}
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkSent finalizes a queue row after a successful provider handoff.
func (q *Queue) MarkSent(ctx context.Context, itemID, providerMessageID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE send_queue
		SET status = 'sent', provider_message_id = $2, sent_at = NOW()
		WHERE id = $1
	`, itemID, providerMessageID)
	return err
}

// MarkFailed records a failed attempt. Below the attempt cap the row goes
// back to queued with an exponential backoff on scheduled_at; at the cap it
// becomes a dead letter.
func (q *Queue) MarkFailed(ctx context.Context, itemID, errMsg string) (dead bool, err error) {
	var attempts int
	if err := q.db.QueryRowContext(ctx, `
		SELECT COALESCE(attempts, 0) FROM send_queue WHERE id = $1
	`, itemID).Scan(&attempts); err != nil {
		return false, fmt.Errorf("load attempts: %w", err)
	}

	if attempts+1 >= q.maxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE send_queue
			SET status = 'dead_letter', last_error = $2,
			    attempts = attempts + 1, last_attempt_at = NOW()
			WHERE id = $1
		`, itemID, errMsg)
		if err == nil {
			logger.Warn("queue item dead-lettered",
				"item_id", itemID, "attempts", attempts+1, "error", errMsg)
		}
		return true, err
	}

	delay := retryDelay(attempts + 1)
	_, err = q.db.ExecContext(ctx, `
		UPDATE send_queue
		SET status = 'queued', last_error = $2,
		    attempts = attempts + 1, last_attempt_at = NOW(),
		    scheduled_at = NOW() + $3 * INTERVAL '1 second',
		    worker_id = NULL, locked_at = NULL
		WHERE id = $1
	`, itemID, errMsg, int(delay.Seconds()))
	return false, err
}

// MarkFailedPermanent dead-letters a row regardless of remaining attempts.
// Used for provider rejections that will never succeed.
func (q *Queue) MarkFailedPermanent(ctx context.Context, itemID, errMsg string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE send_queue
		SET status = 'dead_letter', last_error = $2,
		    attempts = attempts + 1, last_attempt_at = NOW()
		WHERE id = $1
	`, itemID, errMsg)
	return err
}

// MarkSkipped retires a claimed row without a provider attempt. Suppressed
// recipients land here; a skip is not a failure.
func (q *Queue) MarkSkipped(ctx context.Context, itemID, reason string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE send_queue
		SET status = 'skipped', last_error = $2, last_attempt_at = NOW()
		WHERE id = $1
	`, itemID, reason)
	return err
}

// Release returns a claimed row to the queue untouched, used when the
// dispatcher is throttled rather than failing.
func (q *Queue) Release(ctx context.Context, itemID string, notBefore time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE send_queue
		SET status = 'queued', worker_id = NULL, locked_at = NULL, scheduled_at = $2
		WHERE id = $1 AND status = 'claimed'
	`, itemID, notBefore)
	return err
}

// PendingCount returns how many rows for a campaign are still queued or
// claimed. Zero means dispatch has finished with every recipient.
func (q *Queue) PendingCount(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM send_queue
		WHERE campaign_id = $1 AND status IN ('queued', 'claimed')
	`, campaignID).Scan(&n)
	return n, err
}

// DeadLetters lists permanently failed rows for a tenant's campaign.
func (q *Queue) DeadLetters(ctx context.Context, userID, campaignID string, limit, offset int) ([]DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, campaign_id, contact_id, email, attempts,
		       COALESCE(last_error, ''), last_attempt_at
		FROM send_queue
		WHERE user_id = $1 AND campaign_id = $2 AND status = 'dead_letter'
		ORDER BY last_attempt_at DESC
		LIMIT $3 OFFSET $4
	`, userID, campaignID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.CampaignID, &d.ContactID, &d.Email,
			&d.Attempts, &d.LastError, &d.LastAttemptAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// retryDelay doubles per attempt from 30s, capped at 15 minutes.
func retryDelay(attempt int) time.Duration {
	delay := 30 * time.Second << (attempt - 1)
	if delay > 15*time.Minute {
		delay = 15 * time.Minute
	}
	return delay
}
