package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/beaconmail/beacon/internal/domain"
)

// DBStore is the Postgres-backed Store.
type DBStore struct {
	db *sql.DB
}

// NewDBStore wraps db as the reconciler's store.
func NewDBStore(db *sql.DB) *DBStore {
	return &DBStore{db: db}
}

func (s *DBStore) Stage(ctx context.Context, provider string, events []Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin staging tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type, message_id, email, reason, occurred_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (provider, event_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare staging insert: %w", err)
	}
	defer stmt.Close()

	staged := 0
	for _, ev := range events {
		res, err := stmt.ExecContext(ctx, provider, ev.EventID, ev.Type, ev.MessageID, ev.Email, ev.Reason, ev.Timestamp)
		if err != nil {
			return staged, fmt.Errorf("failed to stage event %s: %w", ev.EventID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			staged++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit staged events: %w", err)
	}
	return staged, nil
}

func (s *DBStore) ClaimStaged(ctx context.Context, limit int) ([]StagedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE webhook_events
		SET processed = TRUE
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE processed = FALSE
			ORDER BY received_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, provider, event_id, event_type, message_id, email, reason, occurred_at, received_at`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim staged events: %w", err)
	}
	defer rows.Close()

	var events []StagedEvent
	for rows.Next() {
		var ev StagedEvent
		if err := rows.Scan(&ev.ID, &ev.Provider, &ev.EventID, &ev.Type, &ev.MessageID,
			&ev.Email, &ev.Reason, &ev.OccurredAt, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan staged event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *DBStore) FindSend(ctx context.Context, messageID string) (*SendRef, error) {
	var ref SendRef
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, campaign_id, contact_id, email, status
		FROM email_sends
		WHERE provider_message_id = $1`,
		messageID).Scan(&ref.ID, &ref.UserID, &ref.CampaignID, &ref.ContactID, &ref.Email, &ref.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up send for message %s: %w", messageID, err)
	}
	return &ref, nil
}

// timestampColumn maps status-advancing event types to their
// first-occurrence column on email_sends.
func timestampColumn(t domain.EventType) string {
	switch t {
	case domain.EventSent:
		return "sent_at"
	case domain.EventDelivered:
		return "delivered_at"
	case domain.EventBounced:
		return "bounced_at"
	case domain.EventComplained:
		return "complained_at"
	case domain.EventOpened:
		return "opened_at"
	case domain.EventClicked:
		return "clicked_at"
	}
	return ""
}

func (s *DBStore) AdvanceSend(ctx context.Context, sendID string, status domain.SendStatus, eventType domain.EventType, occurredAt time.Time, reason string) (bool, error) {
	col := timestampColumn(eventType)
	if col == "" {
		return false, fmt.Errorf("event type %s does not advance a send", eventType)
	}

	// Only rows whose current status ranks below the target are eligible, so
	// duplicates and late lower-ranked events no-op at the database.
	query := fmt.Sprintf(`
		UPDATE email_sends
		SET status = $2,
		    %s = COALESCE(%s, $3),
		    bounce_reason = CASE WHEN $4 <> '' THEN $4 ELSE bounce_reason END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)`, col, col)

	res, err := s.db.ExecContext(ctx, query, sendID, string(status), occurredAt, reason, pq.Array(lowerRanked(status)))
	if err != nil {
		return false, fmt.Errorf("failed to advance send %s to %s: %w", sendID, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *DBStore) StampEngagement(ctx context.Context, sendID string, eventType domain.EventType, occurredAt time.Time) error {
	col := timestampColumn(eventType)
	if col != "opened_at" && col != "clicked_at" {
		return fmt.Errorf("event type %s is not an engagement event", eventType)
	}

	query := fmt.Sprintf(`
		UPDATE email_sends
		SET %s = COALESCE(%s, $2), updated_at = NOW()
		WHERE id = $1`, col, col)

	if _, err := s.db.ExecContext(ctx, query, sendID, occurredAt); err != nil {
		return fmt.Errorf("failed to stamp %s on send %s: %w", eventType, sendID, err)
	}
	return nil
}

func (s *DBStore) InsertEvent(ctx context.Context, event *domain.EmailEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO email_events (id, send_id, user_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		event.ID, event.SendID, event.UserID, string(event.Type), payload)
	if err != nil {
		return fmt.Errorf("failed to insert email event: %w", err)
	}
	return nil
}

// lowerRanked lists the statuses a row may hold and still advance to target.
func lowerRanked(target domain.SendStatus) []string {
	all := []domain.SendStatus{
		domain.SendPending, domain.SendFailed, domain.SendSent,
		domain.SendDelivered, domain.SendBounced, domain.SendComplained,
	}
	var out []string
	for _, s := range all {
		if s.CanAdvanceTo(target) {
			out = append(out, string(s))
		}
	}
	return out
}
