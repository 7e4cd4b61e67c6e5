package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beaconmail/beacon/internal/domain"
	"github.com/beaconmail/beacon/internal/pkg/logger"
)

// Service implements campaign business logic. All public methods are safe
// for concurrent use if the collaborators are concurrency-safe.
type Service struct {
	repo      Repository
	audience  AudienceResolver
	enqueuer  Enqueuer
	limiter   TenantLimiter
	templates TemplateValidator

	tenantQuota int64
}

// NewService creates a campaign service. limiter may be nil, which disables
// the tenant quota (used in tests and single-tenant deployments).
func NewService(repo Repository, audience AudienceResolver, enqueuer Enqueuer,
	limiter TenantLimiter, templates TemplateValidator, tenantQuota int) *Service {
	return &Service{
		repo:        repo,
		audience:    audience,
		enqueuer:    enqueuer,
		limiter:     limiter,
		templates:   templates,
		tenantQuota: int64(tenantQuota),
	}
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, userID, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, userID, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, userID string, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.List(ctx, userID, f)
}

// Create validates and persists a new campaign in draft status.
func (s *Service) Create(ctx context.Context, userID string, input CreateInput) (*domain.Campaign, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if input.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if input.FromEmail == "" {
		return nil, fmt.Errorf("from_email is required")
	}
	if err := s.validateTemplates(input.Subject, input.HTMLContent, input.PlainContent); err != nil {
		return nil, err
	}

	c := &domain.Campaign{
		ID:           uuid.New().String(),
		UserID:       userID,
		Name:         input.Name,
		Subject:      input.Subject,
		HTMLContent:  input.HTMLContent,
		PlainContent: input.PlainContent,
		ListIDs:      input.ListIDs,
		FromName:     input.FromName,
		FromEmail:    input.FromEmail,
		ReplyTo:      input.ReplyTo,
		CredentialID: input.CredentialID,
		Status:       domain.CampaignDraft,
	}

	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Update modifies mutable campaign fields. Content edits are refused once
// the campaign has started sending.
func (s *Service) Update(ctx context.Context, userID, id string, u UpdateFields) error {
	c, err := s.repo.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if !c.Status.Editable() {
		return ErrNotEditable
	}

	var subject, html, plain string
	if u.Subject != nil {
		subject = *u.Subject
	}
	if u.HTMLContent != nil {
		html = *u.HTMLContent
	}
	if u.PlainContent != nil {
		plain = *u.PlainContent
	}
	if err := s.validateTemplates(subject, html, plain); err != nil {
		return err
	}

	return s.repo.Update(ctx, userID, id, u)
}

// Delete removes a campaign (draft or cancelled only).
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	return s.repo.Delete(ctx, userID, id)
}

// Schedule moves a draft to scheduled at the given time.
func (s *Service) Schedule(ctx context.Context, userID, id string, at time.Time) error {
	if at.Before(time.Now()) {
		return fmt.Errorf("scheduled_at must be in the future")
	}

	c, err := s.repo.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if !c.Status.CanTransitionTo(domain.CampaignScheduled) {
		return ErrInvalidTransition
	}

	if err := s.repo.Update(ctx, userID, id, UpdateFields{ScheduledAt: &at}); err != nil {
		return err
	}
	ok, err := s.repo.TransitionStatus(ctx, userID, id,
		[]domain.CampaignStatus{domain.CampaignDraft}, domain.CampaignScheduled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// Unschedule returns a scheduled campaign to draft.
func (s *Service) Unschedule(ctx context.Context, userID, id string) error {
	ok, err := s.repo.TransitionStatus(ctx, userID, id,
		[]domain.CampaignStatus{domain.CampaignScheduled}, domain.CampaignDraft)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// Send triggers dispatch: resolve the audience, check the tenant quota,
// snapshot the recipient total, move to sending, and durably enqueue every
// recipient. Returns the number of recipients enqueued.
//
// The status move is a compare-and-set, so two concurrent Send calls produce
// exactly one enqueue; the loser gets ErrAlreadySending.
func (s *Service) Send(ctx context.Context, userID, id string) (int, error) {
	c, err := s.repo.Get(ctx, userID, id)
	if err != nil {
		return 0, err
	}
	if !c.Status.CanTransitionTo(domain.CampaignSending) {
		if c.Status == domain.CampaignSending || c.Status == domain.CampaignSent {
			return 0, ErrAlreadySending
		}
		return 0, ErrInvalidTransition
	}

	if c.Subject == "" || (c.HTMLContent == "" && c.PlainContent == "") {
		return 0, ErrNoContent
	}
	if c.CredentialID == "" {
		return 0, ErrNoCredential
	}

	contacts, err := s.audience.Resolve(ctx, userID, c.ListIDs)
	if err != nil {
		return 0, err
	}

	if s.limiter != nil && s.tenantQuota > 0 {
		dec, err := s.limiter.Check(ctx, "tenant:"+userID, int64(len(contacts)), s.tenantQuota)
		if err != nil {
			return 0, fmt.Errorf("tenant quota check: %w", err)
		}
		if !dec.Allowed {
			logger.Warn("send denied by tenant quota",
				"user_id", userID, "campaign_id", id,
				"recipients", len(contacts), "reset_at", dec.ResetAt)
			return 0, ErrRateLimited
		}
	}

	prevStatus := c.Status

	began, err := s.repo.BeginSend(ctx, userID, id, len(contacts))
	if err != nil {
		return 0, fmt.Errorf("transition to sending: %w", err)
	}
	if !began {
		return 0, ErrAlreadySending
	}

	c.TotalRecipients = len(contacts)
	n, err := s.enqueuer.EnqueueBulk(ctx, c, contacts)
	if err != nil {
		// Put the campaign back where it was so the trigger can be retried;
		// a scheduled campaign stays scheduled.
		if _, rbErr := s.repo.TransitionStatus(ctx, userID, id,
			[]domain.CampaignStatus{domain.CampaignSending}, prevStatus); rbErr != nil {
			logger.Error("rollback after enqueue failure", "campaign_id", id, "error", rbErr)
		}
		return 0, fmt.Errorf("enqueue recipients: %w", err)
	}

	logger.Info("campaign send started",
		"user_id", userID, "campaign_id", id, "recipients", n)
	return n, nil
}

// Pause suspends dispatch for a sending campaign. Queued rows stay put; the
// claim query skips campaigns that are not sending.
func (s *Service) Pause(ctx context.Context, userID, id string) error {
	ok, err := s.repo.TransitionStatus(ctx, userID, id,
		[]domain.CampaignStatus{domain.CampaignSending}, domain.CampaignPaused)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// Resume continues dispatch for a paused campaign.
func (s *Service) Resume(ctx context.Context, userID, id string) error {
	ok, err := s.repo.TransitionStatus(ctx, userID, id,
		[]domain.CampaignStatus{domain.CampaignPaused}, domain.CampaignSending)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// Cancel permanently stops a campaign from any non-terminal state. Messages
// already handed to the provider are not recalled.
func (s *Service) Cancel(ctx context.Context, userID, id string) error {
	ok, err := s.repo.TransitionStatus(ctx, userID, id,
		[]domain.CampaignStatus{
			domain.CampaignDraft, domain.CampaignScheduled,
			domain.CampaignSending, domain.CampaignPaused,
		}, domain.CampaignCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// Stats returns the delivery aggregate for a campaign.
func (s *Service) Stats(ctx context.Context, userID, id string) (*Stats, error) {
	return s.repo.Stats(ctx, userID, id)
}

func (s *Service) validateTemplates(parts ...string) error {
	if s.templates == nil {
		return nil
	}
	for _, p := range parts {
		if p == "" {
			continue
		}
		if err := s.templates.Parse(p); err != nil {
			return fmt.Errorf("template syntax: %w", err)
		}
	}
	return nil
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name         string   `json:"name"`
	Subject      string   `json:"subject"`
	HTMLContent  string   `json:"html_content"`
	PlainContent string   `json:"plain_content"`
	ListIDs      []string `json:"list_ids"`
	FromName     string   `json:"from_name"`
	FromEmail    string   `json:"from_email"`
	ReplyTo      string   `json:"reply_to"`
	CredentialID string   `json:"credential_id"`
}
