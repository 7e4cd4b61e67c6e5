package contact

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/beaconmail/beacon/internal/domain"
	"github.com/beaconmail/beacon/internal/pkg/logger"
)

// Service implements contact business logic. All public methods are safe for
// concurrent use if the underlying repository is concurrency-safe.
type Service struct {
	repo Repository
}

// NewService creates a contact service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get returns a single contact.
func (s *Service) Get(ctx context.Context, userID, id string) (*domain.Contact, error) {
	return s.repo.Get(ctx, userID, id)
}

// List returns contacts matching the filter.
func (s *Service) List(ctx context.Context, userID string, f ListFilter) ([]domain.Contact, int, error) {
	return s.repo.List(ctx, userID, f)
}

// Create validates and persists a new subscribed contact.
func (s *Service) Create(ctx context.Context, userID string, input CreateInput) (*domain.Contact, error) {
	email := domain.NormalizeEmail(input.Email)
	if !validEmail(email) {
		return nil, ErrInvalidEmail
	}

	c := &domain.Contact{
		ID:        uuid.New().String(),
		UserID:    userID,
		Email:     email,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Status:    domain.ContactSubscribed,
		Metadata:  input.Metadata,
		Tags:      input.Tags,
	}

	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}

	for _, listID := range input.ListIDs {
		if err := s.repo.AddToList(ctx, userID, listID, c.ID); err != nil {
			return nil, fmt.Errorf("add to list %s: %w", listID, err)
		}
	}

	return c, nil
}

// Update applies the non-nil fields to a contact.
func (s *Service) Update(ctx context.Context, userID, id string, u UpdateFields) error {
	return s.repo.Update(ctx, userID, id, u)
}

// Delete removes a contact entirely.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	return s.repo.Delete(ctx, userID, id)
}

// Suppress moves a contact out of the subscribed pool. Reasons map to
// statuses: unsubscribed, bounced, complained. Re-applying the contact's
// current status is a no-op so duplicate webhook events stay idempotent.
func (s *Service) Suppress(ctx context.Context, userID, id string, status domain.ContactStatus) error {
	if !status.Suppressed() {
		return ErrInvalidTransition
	}

	c, err := s.repo.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if c.Status == status {
		return nil
	}
	if !c.Status.CanTransitionTo(status) {
		return ErrInvalidTransition
	}

	if err := s.repo.UpdateStatus(ctx, userID, id, status); err != nil {
		return err
	}

	logger.Info("contact suppressed",
		"user_id", userID, "contact_id", id, "status", string(status))
	return nil
}

// Unsubscribe is the idempotent unsubscribe entry point used by the
// one-click endpoint. An already-suppressed contact returns success.
func (s *Service) Unsubscribe(ctx context.Context, userID, id string) error {
	c, err := s.repo.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if c.Status.Suppressed() {
		return nil
	}
	return s.repo.UpdateStatus(ctx, userID, id, domain.ContactUnsubscribed)
}

// CreateList creates an empty named list.
func (s *Service) CreateList(ctx context.Context, userID, name, description string) (*domain.List, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("list name is required")
	}

	l := &domain.List{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        name,
		Description: description,
	}
	if err := s.repo.CreateList(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// GetList returns a single list.
func (s *Service) GetList(ctx context.Context, userID, id string) (*domain.List, error) {
	return s.repo.GetList(ctx, userID, id)
}

// Lists returns all lists for a tenant.
func (s *Service) Lists(ctx context.Context, userID string) ([]domain.List, error) {
	return s.repo.Lists(ctx, userID)
}

// DeleteList removes a list. Memberships go with it; contacts stay.
func (s *Service) DeleteList(ctx context.Context, userID, id string) error {
	return s.repo.DeleteList(ctx, userID, id)
}

// AddToList adds a contact to a list.
func (s *Service) AddToList(ctx context.Context, userID, listID, contactID string) error {
	if _, err := s.repo.Get(ctx, userID, contactID); err != nil {
		return err
	}
	return s.repo.AddToList(ctx, userID, listID, contactID)
}

// RemoveFromList removes a contact from a list.
func (s *Service) RemoveFromList(ctx context.Context, userID, listID, contactID string) error {
	return s.repo.RemoveFromList(ctx, userID, listID, contactID)
}

// CreateInput holds the fields for creating a new contact.
type CreateInput struct {
	Email     string                 `json:"email"`
	FirstName string                 `json:"first_name"`
	LastName  string                 `json:"last_name"`
	Metadata  map[string]interface{} `json:"metadata"`
	Tags      []string               `json:"tags"`
	ListIDs   []string               `json:"list_ids"`
}

// validEmail performs structural validation on a normalized address.
func validEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	local, domainPart, ok := strings.Cut(email, "@")
	if !ok {
		return false
	}
	if len(local) == 0 || len(local) > 64 {
		return false
	}
	if len(domainPart) == 0 || len(domainPart) > 253 || !strings.Contains(domainPart, ".") {
		return false
	}
	return !strings.ContainsAny(email, " \t\r\n")
}
