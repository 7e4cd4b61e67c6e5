package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/beaconmail/beacon/internal/domain"
	"github.com/beaconmail/beacon/internal/service/contact"
)

// ContactRepo implements contact.Repository against PostgreSQL.
type ContactRepo struct{ db *sql.DB }

// NewContactRepo creates a Postgres-backed contact repository.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

const contactColumns = `id, user_id, email, COALESCE(first_name,''), COALESCE(last_name,''),
	status, COALESCE(metadata,'{}'), tags, last_email_at, created_at, updated_at`

func scanContact(row interface{ Scan(...interface{}) error }) (*domain.Contact, error) {
	c := &domain.Contact{}
	var metadata []byte
	err := row.Scan(
		&c.ID, &c.UserID, &c.Email, &c.FirstName, &c.LastName,
		&c.Status, &metadata, pq.Array(&c.Tags), &c.LastEmailAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode contact metadata: %w", err)
		}
	}
	return c, nil
}

func (r *ContactRepo) Get(ctx context.Context, userID, id string) (*domain.Contact, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = $1 AND user_id = $2`,
		id, userID)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, contact.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

func (r *ContactRepo) GetByEmail(ctx context.Context, userID, email string) (*domain.Contact, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE user_id = $1 AND email = $2`,
		userID, email)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, contact.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact by email: %w", err)
	}
	return c, nil
}

func (r *ContactRepo) List(ctx context.Context, userID string, f contact.ListFilter) ([]domain.Contact, int, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	where := `WHERE c.user_id = $1`
	args := []interface{}{userID}
	idx := 2
	if f.Status != "" {
		where += fmt.Sprintf(" AND c.status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.ListID != "" {
		where += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM list_contacts lc WHERE lc.contact_id = c.id AND lc.list_id = $%d)", idx)
		args = append(args, f.ListID)
		idx++
	}
	if f.Search != "" {
		where += fmt.Sprintf(" AND (c.email ILIKE $%d OR c.first_name ILIKE $%d OR c.last_name ILIKE $%d)", idx, idx, idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contacts c `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count contacts: %w", err)
	}

	cols := `c.id, c.user_id, c.email, COALESCE(c.first_name,''), COALESCE(c.last_name,''),
	c.status, COALESCE(c.metadata,'{}'), c.tags, c.last_email_at, c.created_at, c.updated_at`
	q := fmt.Sprintf(`SELECT %s FROM contacts c %s ORDER BY c.created_at DESC LIMIT $%d OFFSET $%d`,
		cols, where, idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (r *ContactRepo) Create(ctx context.Context, c *domain.Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("encode contact metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO contacts (id, user_id, email, first_name, last_name, status, metadata, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, c.ID, c.UserID, c.Email, c.FirstName, c.LastName, c.Status, metadata, pq.Array(c.Tags))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return contact.ErrDuplicateEmail
		}
		return fmt.Errorf("create contact: %w", err)
	}
	return nil
}

func (r *ContactRepo) Update(ctx context.Context, userID, id string, u contact.UpdateFields) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if u.FirstName != nil {
		add("first_name", *u.FirstName)
	}
	if u.LastName != nil {
		add("last_name", *u.LastName)
	}
	if u.Metadata != nil {
		metadata, err := json.Marshal(u.Metadata)
		if err != nil {
			return fmt.Errorf("encode contact metadata: %w", err)
		}
		add("metadata", metadata)
	}
	if u.Tags != nil {
		add("tags", pq.Array(u.Tags))
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = NOW()")
	q := fmt.Sprintf(`UPDATE contacts SET %s WHERE id = $%d AND user_id = $%d`,
		joinComma(sets), idx, idx+1)
	args = append(args, id, userID)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contact.ErrNotFound
	}
	return nil
}

func (r *ContactRepo) Delete(ctx context.Context, userID, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	// Keep the denormalized counts honest before removing memberships.
	if _, err := tx.ExecContext(ctx, `
		UPDATE lists SET contact_count = contact_count - 1, updated_at = NOW()
		WHERE user_id = $1 AND id IN (SELECT list_id FROM list_contacts WHERE contact_id = $2)
	`, userID, id); err != nil {
		return fmt.Errorf("decrement list counts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM list_contacts WHERE contact_id = $1`, id); err != nil {
		return fmt.Errorf("delete memberships: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM contacts WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contact.ErrNotFound
	}
	return tx.Commit()
}

// UpdateStatus applies one-way suppression at the database: the stored
// status must still permit the transition when the update lands.
func (r *ContactRepo) UpdateStatus(ctx context.Context, userID, id string, status domain.ContactStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE contacts SET status = $1, updated_at = NOW()
		WHERE id = $2 AND user_id = $3
		  AND (status = $1 OR status = 'subscribed')
	`, string(status), id, userID)
	if err != nil {
		return fmt.Errorf("update contact status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM contacts WHERE id = $1 AND user_id = $2)`,
			id, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return contact.ErrNotFound
		}
		return contact.ErrInvalidTransition
	}
	return nil
}

func (r *ContactRepo) CreateList(ctx context.Context, l *domain.List) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lists (id, user_id, name, description, contact_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, NOW(), NOW())
	`, l.ID, l.UserID, l.Name, l.Description)
	if err != nil {
		return fmt.Errorf("create list: %w", err)
	}
	return nil
}

func (r *ContactRepo) GetList(ctx context.Context, userID, id string) (*domain.List, error) {
	l := &domain.List{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, COALESCE(description,''), contact_count, created_at, updated_at
		FROM lists WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&l.ID, &l.UserID, &l.Name, &l.Description, &l.ContactCount, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, contact.ErrListNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get list: %w", err)
	}
	return l, nil
}

func (r *ContactRepo) Lists(ctx context.Context, userID string) ([]domain.List, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, name, COALESCE(description,''), contact_count, created_at, updated_at
		FROM lists WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list lists: %w", err)
	}
	defer rows.Close()

	var out []domain.List
	for rows.Next() {
		var l domain.List
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &l.Description,
			&l.ContactCount, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan list: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *ContactRepo) DeleteList(ctx context.Context, userID, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM list_contacts WHERE list_id = $1`, id); err != nil {
		return fmt.Errorf("delete memberships: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM lists WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contact.ErrListNotFound
	}
	return tx.Commit()
}

func (r *ContactRepo) AddToList(ctx context.Context, userID, listID, contactID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin membership tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO list_contacts (list_id, contact_id, created_at)
		SELECT l.id, c.id, NOW()
		FROM lists l, contacts c
		WHERE l.id = $1 AND l.user_id = $3 AND c.id = $2 AND c.user_id = $3
		ON CONFLICT (list_id, contact_id) DO NOTHING
	`, listID, contactID, userID)
	if err != nil {
		return fmt.Errorf("add to list: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE lists SET contact_count = contact_count + 1, updated_at = NOW() WHERE id = $1
		`, listID); err != nil {
			return fmt.Errorf("increment list count: %w", err)
		}
	}
	return tx.Commit()
}

func (r *ContactRepo) RemoveFromList(ctx context.Context, userID, listID, contactID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin membership tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM list_contacts lc
		USING lists l
		WHERE lc.list_id = $1 AND lc.contact_id = $2
		  AND l.id = lc.list_id AND l.user_id = $3
	`, listID, contactID, userID)
	if err != nil {
		return fmt.Errorf("remove from list: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE lists SET contact_count = contact_count - 1, updated_at = NOW() WHERE id = $1
		`, listID); err != nil {
			return fmt.Errorf("decrement list count: %w", err)
		}
	}
	return tx.Commit()
}
