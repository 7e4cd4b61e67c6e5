package campaign_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconmail/beacon/internal/audience"
	"github.com/beaconmail/beacon/internal/domain"
	"github.com/beaconmail/beacon/internal/ratelimit"
	"github.com/beaconmail/beacon/internal/render"
	"github.com/beaconmail/beacon/internal/service/campaign"
)

// memRepo is an in-memory campaign repository for unit testing.
type memRepo struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
}

func newMemRepo() *memRepo {
	return &memRepo{campaigns: make(map[string]*domain.Campaign)}
}

func (m *memRepo) Get(_ context.Context, userID, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.UserID != userID {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) List(_ context.Context, userID string, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.UserID != userID {
			continue
		}
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		out = append(out, *c)
	}
	return out, len(out), nil
}

func (m *memRepo) Create(_ context.Context, c *domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[cp.ID] = &cp
	return nil
}

func (m *memRepo) Update(_ context.Context, userID, id string, u campaign.UpdateFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.UserID != userID {
		return campaign.ErrNotFound
	}
	if !c.Status.Editable() {
		return campaign.ErrNotEditable
	}
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Subject != nil {
		c.Subject = *u.Subject
	}
	if u.HTMLContent != nil {
		c.HTMLContent = *u.HTMLContent
	}
	if u.ListIDs != nil {
		c.ListIDs = u.ListIDs
	}
	if u.ScheduledAt != nil {
		c.ScheduledAt = u.ScheduledAt
	}
	return nil
}

func (m *memRepo) Delete(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.UserID != userID {
		return campaign.ErrNotFound
	}
	delete(m.campaigns, id)
	return nil
}

func (m *memRepo) TransitionStatus(_ context.Context, userID, id string, from []domain.CampaignStatus, next domain.CampaignStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.UserID != userID {
		return false, campaign.ErrNotFound
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = next
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) BeginSend(_ context.Context, userID, id string, totalRecipients int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.UserID != userID {
		return false, campaign.ErrNotFound
	}
	if c.Status != domain.CampaignDraft && c.Status != domain.CampaignScheduled {
		return false, nil
	}
	now := time.Now()
	c.Status = domain.CampaignSending
	c.StartedAt = &now
	c.TotalRecipients = totalRecipients
	return true, nil
}

func (m *memRepo) CompleteIfSending(_ context.Context, campaignID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok || c.Status != domain.CampaignSending {
		return false, nil
	}
	now := time.Now()
	c.Status = domain.CampaignSent
	c.CompletedAt = &now
	return true, nil
}

func (m *memRepo) Stats(_ context.Context, userID, id string) (*campaign.Stats, error) {
	return &campaign.Stats{}, nil
}

// fakeResolver returns a fixed audience.
type fakeResolver struct {
	contacts []domain.Contact
	err      error
}

func (f *fakeResolver) Resolve(_ context.Context, userID string, listIDs []string) ([]domain.Contact, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.contacts, nil
}

// fakeEnqueuer records enqueued audiences.
type fakeEnqueuer struct {
	mu       sync.Mutex
	enqueued int
	calls    int
	err      error
}

func (f *fakeEnqueuer) EnqueueBulk(_ context.Context, c *domain.Campaign, contacts []domain.Contact) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.enqueued += len(contacts)
	return len(contacts), nil
}

// fakeLimiter returns a fixed decision.
type fakeLimiter struct {
	allowed bool
}

func (f *fakeLimiter) Check(_ context.Context, key string, n, quota int64) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: f.allowed, ResetAt: time.Now().Add(time.Hour)}, nil
}

func testContacts(n int) []domain.Contact {
	out := make([]domain.Contact, n)
	for i := range out {
		out[i] = domain.Contact{
			ID:     fmt.Sprintf("ct-%d", i),
			UserID: "u1",
			Email:  fmt.Sprintf("c%d@example.com", i),
			Status: domain.ContactSubscribed,
		}
	}
	return out
}

func newTestService(repo *memRepo, resolver *fakeResolver, enq *fakeEnqueuer) *campaign.Service {
	return campaign.NewService(repo, resolver, enq, &fakeLimiter{allowed: true}, render.NewEngine(), 10000)
}

func createDraft(t *testing.T, svc *campaign.Service) *domain.Campaign {
	t.Helper()
	c, err := svc.Create(context.Background(), "u1", campaign.CreateInput{
		Name:         "Welcome",
		Subject:      "Hi {{ first_name }}",
		HTMLContent:  "<p>Hello {{ first_name }}</p>",
		FromEmail:    "news@tenant.test",
		FromName:     "Tenant",
		ListIDs:      []string{"l1"},
		CredentialID: "cred-1",
	})
	require.NoError(t, err)
	return c
}

func TestCreateStartsAsDraft(t *testing.T) {
	svc := newTestService(newMemRepo(), &fakeResolver{}, &fakeEnqueuer{})
	c := createDraft(t, svc)
	assert.Equal(t, domain.CampaignDraft, c.Status)
	assert.NotEmpty(t, c.ID)
}

func TestCreateRejectsBadTemplate(t *testing.T) {
	svc := newTestService(newMemRepo(), &fakeResolver{}, &fakeEnqueuer{})

	_, err := svc.Create(context.Background(), "u1", campaign.CreateInput{
		Name:        "Broken",
		Subject:     "ok",
		HTMLContent: "{% if x %}unclosed",
		FromEmail:   "news@tenant.test",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template syntax")
}

func TestSendHappyPath(t *testing.T) {
	repo := newMemRepo()
	enq := &fakeEnqueuer{}
	svc := newTestService(repo, &fakeResolver{contacts: testContacts(5)}, enq)
	c := createDraft(t, svc)

	n, err := svc.Send(context.Background(), "u1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, enq.enqueued)

	got, err := svc.Get(context.Background(), "u1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignSending, got.Status)
	assert.Equal(t, 5, got.TotalRecipients)
	assert.NotNil(t, got.StartedAt)
}

func TestSendIsSingleShot(t *testing.T) {
	repo := newMemRepo()
	enq := &fakeEnqueuer{}
	svc := newTestService(repo, &fakeResolver{contacts: testContacts(3)}, enq)
	c := createDraft(t, svc)

	_, err := svc.Send(context.Background(), "u1", c.ID)
	require.NoError(t, err)

	_, err = svc.Send(context.Background(), "u1", c.ID)
	assert.ErrorIs(t, err, campaign.ErrAlreadySending)
	assert.Equal(t, 1, enq.calls, "audience must be enqueued exactly once")
}

func TestSendEmptyAudience(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &fakeResolver{err: audience.ErrEmptyAudience}, &fakeEnqueuer{})
	c := createDraft(t, svc)

	_, err := svc.Send(context.Background(), "u1", c.ID)
	assert.ErrorIs(t, err, audience.ErrEmptyAudience)

	got, _ := svc.Get(context.Background(), "u1", c.ID)
	assert.Equal(t, domain.CampaignDraft, got.Status, "failed resolution leaves the draft untouched")
}

func TestSendRejectsEmptyContent(t *testing.T) {
	repo := newMemRepo()
	enq := &fakeEnqueuer{}
	svc := newTestService(repo, &fakeResolver{contacts: testContacts(3)}, enq)

	c, err := svc.Create(context.Background(), "u1", campaign.CreateInput{
		Name:         "Empty",
		Subject:      "Hi",
		FromEmail:    "news@tenant.test",
		ListIDs:      []string{"l1"},
		CredentialID: "cred-1",
	})
	require.NoError(t, err)

	_, err = svc.Send(context.Background(), "u1", c.ID)
	assert.ErrorIs(t, err, campaign.ErrNoContent)
	assert.Zero(t, enq.calls)

	got, _ := svc.Get(context.Background(), "u1", c.ID)
	assert.Equal(t, domain.CampaignDraft, got.Status)
}

func TestSendRejectsMissingCredential(t *testing.T) {
	repo := newMemRepo()
	enq := &fakeEnqueuer{}
	svc := newTestService(repo, &fakeResolver{contacts: testContacts(3)}, enq)

	c, err := svc.Create(context.Background(), "u1", campaign.CreateInput{
		Name:        "No provider",
		Subject:     "Hi",
		HTMLContent: "<p>Hello</p>",
		FromEmail:   "news@tenant.test",
		ListIDs:     []string{"l1"},
	})
	require.NoError(t, err)

	_, err = svc.Send(context.Background(), "u1", c.ID)
	assert.ErrorIs(t, err, campaign.ErrNoCredential)
	assert.Zero(t, enq.calls)

	got, _ := svc.Get(context.Background(), "u1", c.ID)
	assert.Equal(t, domain.CampaignDraft, got.Status)
}

func TestSendRateLimited(t *testing.T) {
	repo := newMemRepo()
	enq := &fakeEnqueuer{}
	svc := campaign.NewService(repo, &fakeResolver{contacts: testContacts(3)}, enq,
		&fakeLimiter{allowed: false}, render.NewEngine(), 100)
	c := createDraft(t, svc)

	_, err := svc.Send(context.Background(), "u1", c.ID)
	assert.ErrorIs(t, err, campaign.ErrRateLimited)
	assert.Zero(t, enq.calls)

	got, _ := svc.Get(context.Background(), "u1", c.ID)
	assert.Equal(t, domain.CampaignDraft, got.Status)
}

func TestSendRollsBackOnEnqueueFailure(t *testing.T) {
	repo := newMemRepo()
	enq := &fakeEnqueuer{err: errors.New("db down")}
	svc := newTestService(repo, &fakeResolver{contacts: testContacts(3)}, enq)
	c := createDraft(t, svc)

	_, err := svc.Send(context.Background(), "u1", c.ID)
	require.Error(t, err)

	got, _ := svc.Get(context.Background(), "u1", c.ID)
	assert.Equal(t, domain.CampaignDraft, got.Status, "enqueue failure returns the campaign to draft")
}

func TestSendRollbackKeepsScheduledStatus(t *testing.T) {
	repo := newMemRepo()
	enq := &fakeEnqueuer{err: errors.New("db down")}
	svc := newTestService(repo, &fakeResolver{contacts: testContacts(3)}, enq)
	c := createDraft(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.Schedule(ctx, "u1", c.ID, time.Now().Add(time.Hour)))

	_, err := svc.Send(ctx, "u1", c.ID)
	require.Error(t, err)

	got, _ := svc.Get(ctx, "u1", c.ID)
	assert.Equal(t, domain.CampaignScheduled, got.Status,
		"a scheduled campaign goes back to scheduled, not draft")
}

func TestPauseResumeCancel(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &fakeResolver{contacts: testContacts(2)}, &fakeEnqueuer{})
	c := createDraft(t, svc)
	ctx := context.Background()

	_, err := svc.Send(ctx, "u1", c.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Pause(ctx, "u1", c.ID))
	got, _ := svc.Get(ctx, "u1", c.ID)
	assert.Equal(t, domain.CampaignPaused, got.Status)

	// Pausing a paused campaign is an invalid transition.
	assert.ErrorIs(t, svc.Pause(ctx, "u1", c.ID), campaign.ErrInvalidTransition)

	require.NoError(t, svc.Resume(ctx, "u1", c.ID))
	got, _ = svc.Get(ctx, "u1", c.ID)
	assert.Equal(t, domain.CampaignSending, got.Status)

	require.NoError(t, svc.Cancel(ctx, "u1", c.ID))
	got, _ = svc.Get(ctx, "u1", c.ID)
	assert.Equal(t, domain.CampaignCancelled, got.Status)

	// Terminal: nothing moves out of cancelled.
	assert.ErrorIs(t, svc.Resume(ctx, "u1", c.ID), campaign.ErrInvalidTransition)
	_, err = svc.Send(ctx, "u1", c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)
}

func TestScheduleAndUnschedule(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &fakeResolver{contacts: testContacts(1)}, &fakeEnqueuer{})
	c := createDraft(t, svc)
	ctx := context.Background()

	err := svc.Schedule(ctx, "u1", c.ID, time.Now().Add(-time.Hour))
	require.Error(t, err, "past schedule time is rejected")

	at := time.Now().Add(2 * time.Hour)
	require.NoError(t, svc.Schedule(ctx, "u1", c.ID, at))
	got, _ := svc.Get(ctx, "u1", c.ID)
	assert.Equal(t, domain.CampaignScheduled, got.Status)
	require.NotNil(t, got.ScheduledAt)

	require.NoError(t, svc.Unschedule(ctx, "u1", c.ID))
	got, _ = svc.Get(ctx, "u1", c.ID)
	assert.Equal(t, domain.CampaignDraft, got.Status)
}

func TestSendFromScheduled(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &fakeResolver{contacts: testContacts(2)}, &fakeEnqueuer{})
	c := createDraft(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.Schedule(ctx, "u1", c.ID, time.Now().Add(time.Hour)))

	n, err := svc.Send(ctx, "u1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpdateRefusedAfterSendStarts(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &fakeResolver{contacts: testContacts(1)}, &fakeEnqueuer{})
	c := createDraft(t, svc)
	ctx := context.Background()

	_, err := svc.Send(ctx, "u1", c.ID)
	require.NoError(t, err)

	name := "renamed"
	err = svc.Update(ctx, "u1", c.ID, campaign.UpdateFields{Name: &name})
	assert.ErrorIs(t, err, campaign.ErrNotEditable)
}

func TestTotalRecipientsSnapshotIsStable(t *testing.T) {
	repo := newMemRepo()
	resolver := &fakeResolver{contacts: testContacts(4)}
	svc := newTestService(repo, resolver, &fakeEnqueuer{})
	c := createDraft(t, svc)
	ctx := context.Background()

	_, err := svc.Send(ctx, "u1", c.ID)
	require.NoError(t, err)

	// Audience churn after the trigger must not move the snapshot.
	resolver.contacts = testContacts(9)
	got, _ := svc.Get(ctx, "u1", c.ID)
	assert.Equal(t, 4, got.TotalRecipients)
}
