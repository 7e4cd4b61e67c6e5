package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/beaconmail/beacon/internal/domain"
)

// AudienceRepo implements audience.Repository against PostgreSQL.
type AudienceRepo struct{ db *sql.DB }

// NewAudienceRepo creates a Postgres-backed audience repository.
func NewAudienceRepo(db *sql.DB) *AudienceRepo { return &AudienceRepo{db: db} }

func (r *AudienceRepo) CountLists(ctx context.Context, userID string, listIDs []string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM lists WHERE user_id = $1 AND id = ANY($2)
	`, userID, pq.Array(listIDs)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count lists: %w", err)
	}
	return n, nil
}

func (r *AudienceRepo) SubscribedContactsByLists(ctx context.Context, userID string, listIDs []string) ([]domain.Contact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.user_id, c.email, COALESCE(c.first_name,''), COALESCE(c.last_name,''),
		       c.status, COALESCE(c.metadata,'{}'), c.tags, c.last_email_at, c.created_at, c.updated_at
		FROM contacts c
		JOIN list_contacts lc ON lc.contact_id = c.id
		WHERE c.user_id = $1 AND lc.list_id = ANY($2) AND c.status = 'subscribed'
		ORDER BY c.created_at
	`, userID, pq.Array(listIDs))
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audience contact: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
