package campaign

import (
	"context"
	"time"

	"github.com/beaconmail/beacon/internal/domain"
	"github.com/beaconmail/beacon/internal/ratelimit"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, userID, id string) (*domain.Campaign, error)

	// List returns campaigns matching the filter, ordered by created_at
	// descending, plus the total count.
	List(ctx context.Context, userID string, f ListFilter) ([]domain.Campaign, int, error)

	// Create inserts a new campaign.
	Create(ctx context.Context, c *domain.Campaign) error

	// Update applies the non-nil fields. The implementation must refuse the
	// update unless the stored status is still editable.
	Update(ctx context.Context, userID, id string, u UpdateFields) error

	// Delete removes a campaign. Only draft or cancelled campaigns.
	Delete(ctx context.Context, userID, id string) error

	// TransitionStatus is a compare-and-set: it moves the campaign from one
	// of the expected statuses to next and reports whether a row changed.
	// A false return with nil error means another actor won the race.
	TransitionStatus(ctx context.Context, userID, id string, from []domain.CampaignStatus, next domain.CampaignStatus) (bool, error)

	// BeginSend atomically moves a campaign into sending, stamping
	// started_at and the immutable total_recipients snapshot. Reports false
	// when the campaign was no longer in a sendable status.
	BeginSend(ctx context.Context, userID, id string, totalRecipients int) (bool, error)

	// CompleteIfSending moves sending -> sent with completed_at, only if the
	// status is still sending. Used by the completion check so a pause or
	// cancel that lands first wins.
	CompleteIfSending(ctx context.Context, campaignID string) (bool, error)

	// Stats aggregates the email_sends rows for a campaign.
	Stats(ctx context.Context, userID, id string) (*Stats, error)
}

// Collaborators the service needs around a send trigger. Defined here
// so the concrete audience, queue, and ratelimit types stay swappable.
type (
	// AudienceResolver expands list IDs into sendable contacts.
	AudienceResolver interface {
		Resolve(ctx context.Context, userID string, listIDs []string) ([]domain.Contact, error)
	}

	// Enqueuer durably stores one queue row per recipient.
	Enqueuer interface {
		EnqueueBulk(ctx context.Context, c *domain.Campaign, contacts []domain.Contact) (int, error)
	}

	// TenantLimiter enforces the per-tenant hourly send quota.
	TenantLimiter interface {
		Check(ctx context.Context, key string, n, quota int64) (ratelimit.Decision, error)
	}

	// TemplateValidator rejects campaign content with template syntax errors
	// before it can be scheduled or sent.
	TemplateValidator interface {
		Parse(templateStr string) error
	}
)

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Search string
	Limit  int
	Offset int
}

// UpdateFields holds the mutable fields for a campaign update. Nil fields
// are not applied.
type UpdateFields struct {
	Name         *string
	Subject      *string
	HTMLContent  *string
	PlainContent *string
	FromName     *string
	FromEmail    *string
	ReplyTo      *string
	CredentialID *string
	ListIDs      []string
	ScheduledAt  *time.Time
}

// Stats is the per-campaign delivery aggregate.
type Stats struct {
	TotalRecipients int `json:"total_recipients"`
	Pending         int `json:"pending"`
	Sent            int `json:"sent"`
	Delivered       int `json:"delivered"`
	Bounced         int `json:"bounced"`
	Complained      int `json:"complained"`
	Failed          int `json:"failed"`
	Opened          int `json:"opened"`
	Clicked         int `json:"clicked"`
	Unsubscribed    int `json:"unsubscribed"`
}
