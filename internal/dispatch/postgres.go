package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DBLedger is the Postgres-backed Ledger over email_sends and contacts.
type DBLedger struct {
	db *sql.DB
}

// NewDBLedger wraps db as the dispatch ledger.
func NewDBLedger(db *sql.DB) *DBLedger {
	return &DBLedger{db: db}
}

func (l *DBLedger) ContactSuppressed(ctx context.Context, contactID string) (bool, error) {
	var suppressed bool
	err := l.db.QueryRowContext(ctx, `
		SELECT status <> 'subscribed' FROM contacts WHERE id = $1
	`, contactID).Scan(&suppressed)
	if err == sql.ErrNoRows {
		// A deleted contact is treated as suppressed.
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("check contact status: %w", err)
	}
	return suppressed, nil
}

func (l *DBLedger) MarkSendSent(ctx context.Context, sendID, providerMessageID string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE email_sends
		SET status = 'sent', provider_message_id = $2,
		    sent_at = COALESCE(sent_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, sendID, providerMessageID)
	return err
}

func (l *DBLedger) MarkSendFailed(ctx context.Context, sendID, reason string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE email_sends
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, sendID, reason)
	return err
}

func (l *DBLedger) TouchContact(ctx context.Context, contactID string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE contacts SET last_email_at = NOW() WHERE id = $1
	`, contactID)
	return err
}

// DBRegistry records pool liveness in the workers table so operators can
// see which hosts are draining the queue.
type DBRegistry struct {
	db *sql.DB
}

// NewDBRegistry wraps db as the worker registry.
func NewDBRegistry(db *sql.DB) *DBRegistry {
	return &DBRegistry{db: db}
}

func (r *DBRegistry) Register(ctx context.Context, workerID string, capacity int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workers (id, hostname, status, capacity, started_at, last_heartbeat_at)
		VALUES ($1, $2, 'running', $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = 'running', started_at = NOW(), last_heartbeat_at = NOW()
	`, workerID, hostname(), capacity)
	return err
}

func (r *DBRegistry) Heartbeat(ctx context.Context, workerID string, stats map[string]int64) error {
	payload, _ := json.Marshal(stats)
	_, err := r.db.ExecContext(ctx, `
		UPDATE workers
		SET last_heartbeat_at = NOW(), total_sent = $2, total_failed = $3, metadata = $4
		WHERE id = $1
	`, workerID, stats["sent"], stats["failed"], string(payload))
	return err
}

func (r *DBRegistry) Deregister(workerID string) error {
	_, err := r.db.Exec(`UPDATE workers SET status = 'stopped' WHERE id = $1`, workerID)
	return err
}
