package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/beaconmail/beacon/internal/domain"
	"github.com/beaconmail/beacon/internal/scheduler"
	"github.com/beaconmail/beacon/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `id, user_id, name, subject,
	COALESCE(html_content,''), COALESCE(plain_content,''), list_ids,
	COALESCE(from_name,''), from_email, COALESCE(reply_to,''),
	COALESCE(credential_id,''), status, scheduled_at, total_recipients,
	started_at, completed_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := row.Scan(
		&c.ID, &c.UserID, &c.Name, &c.Subject,
		&c.HTMLContent, &c.PlainContent, pq.Array(&c.ListIDs),
		&c.FromName, &c.FromEmail, &c.ReplyTo,
		&c.CredentialID, &c.Status, &c.ScheduledAt, &c.TotalRecipients,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, userID, id string) (*domain.Campaign, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 AND user_id = $2`,
		id, userID)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, userID string, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	where := `WHERE user_id = $1`
	args := []interface{}{userID}
	idx := 2
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Search != "" {
		where += fmt.Sprintf(" AND (name ILIKE $%d OR subject ILIKE $%d)", idx, idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaigns `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM campaigns %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		campaignColumns, where, idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, user_id, name, subject, html_content, plain_content, list_ids,
			 from_name, from_email, reply_to, credential_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11,''), $12, NOW(), NOW())
	`, c.ID, c.UserID, c.Name, c.Subject, c.HTMLContent, c.PlainContent,
		pq.Array(c.ListIDs), c.FromName, c.FromEmail, c.ReplyTo, c.CredentialID, c.Status)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepo) Update(ctx context.Context, userID, id string, u campaign.UpdateFields) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.Subject != nil {
		add("subject", *u.Subject)
	}
	if u.HTMLContent != nil {
		add("html_content", *u.HTMLContent)
	}
	if u.PlainContent != nil {
		add("plain_content", *u.PlainContent)
	}
	if u.FromName != nil {
		add("from_name", *u.FromName)
	}
	if u.FromEmail != nil {
		add("from_email", *u.FromEmail)
	}
	if u.ReplyTo != nil {
		add("reply_to", *u.ReplyTo)
	}
	if u.CredentialID != nil {
		add("credential_id", *u.CredentialID)
	}
	if u.ListIDs != nil {
		add("list_ids", pq.Array(u.ListIDs))
	}
	if u.ScheduledAt != nil {
		add("scheduled_at", *u.ScheduledAt)
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = NOW()")
	q := fmt.Sprintf(`UPDATE campaigns SET %s WHERE id = $%d AND user_id = $%d AND status IN ('draft','scheduled')`,
		joinComma(sets), idx, idx+1)
	args = append(args, id, userID)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

func (r *CampaignRepo) Delete(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM campaigns
		WHERE id = $1 AND user_id = $2 AND status IN ('draft','cancelled')
	`, id, userID)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

func (r *CampaignRepo) TransitionStatus(ctx context.Context, userID, id string, from []domain.CampaignStatus, next domain.CampaignStatus) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $1, updated_at = NOW()
		WHERE id = $2 AND user_id = $3 AND status = ANY($4)
	`, string(next), id, userID, pq.Array(fromStrs))
	if err != nil {
		return false, fmt.Errorf("transition campaign status: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepo) BeginSend(ctx context.Context, userID, id string, totalRecipients int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'sending', started_at = NOW(),
		    total_recipients = $1, updated_at = NOW()
		WHERE id = $2 AND user_id = $3 AND status IN ('draft','scheduled','paused')
	`, totalRecipients, id, userID)
	if err != nil {
		return false, fmt.Errorf("begin send: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepo) CompleteIfSending(ctx context.Context, campaignID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'sent', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, campaignID)
	if err != nil {
		return false, fmt.Errorf("complete campaign: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepo) Stats(ctx context.Context, userID, id string) (*campaign.Stats, error) {
	var total int
	err := r.db.QueryRowContext(ctx, `
		SELECT total_recipients FROM campaigns WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&total)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}

	st := &campaign.Stats{TotalRecipients: total}
	err = r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*) FILTER (WHERE status = 'bounced'),
			COUNT(*) FILTER (WHERE status = 'complained'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE opened_at IS NOT NULL),
			COUNT(*) FILTER (WHERE clicked_at IS NOT NULL)
		FROM email_sends
		WHERE campaign_id = $1 AND user_id = $2
	`, id, userID).Scan(
		&st.Pending, &st.Sent, &st.Delivered, &st.Bounced,
		&st.Complained, &st.Failed, &st.Opened, &st.Clicked,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate sends: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT c.id)
		FROM contacts c
		JOIN email_sends s ON s.contact_id = c.id
		WHERE s.campaign_id = $1 AND c.status = 'unsubscribed'
	`, id).Scan(&st.Unsubscribed)
	if err != nil {
		return nil, fmt.Errorf("count unsubscribes: %w", err)
	}
	return st, nil
}

// DueScheduled returns scheduled campaigns whose send time has passed,
// oldest first, for the scheduler sweep.
func (r *CampaignRepo) DueScheduled(ctx context.Context, limit int) ([]scheduler.ScheduledRef, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, id FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= NOW()
		ORDER BY scheduled_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	defer rows.Close()

	var due []scheduler.ScheduledRef
	for rows.Next() {
		var ref scheduler.ScheduledRef
		if err := rows.Scan(&ref.UserID, &ref.CampaignID); err != nil {
			return nil, fmt.Errorf("scan due campaign: %w", err)
		}
		due = append(due, ref)
	}
	return due, rows.Err()
}

// CompleteIdle finishes sending campaigns with no outstanding queue rows.
// The per-batch completion check in dispatch normally gets there first;
// this catches campaigns orphaned by a worker crash.
func (r *CampaignRepo) CompleteIdle(ctx context.Context, limit int) (int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'sent', completed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT c.id FROM campaigns c
			WHERE c.status = 'sending'
			  AND NOT EXISTS (
				SELECT 1 FROM send_queue q
				WHERE q.campaign_id = c.id AND q.status IN ('queued', 'claimed')
			  )
			LIMIT $1
		) AND status = 'sending'
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("complete idle campaigns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
