package contact

import (
	"context"

	"github.com/beaconmail/beacon/internal/domain"
)

// Repository defines the data access contract for contacts and lists.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single contact. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, userID, id string) (*domain.Contact, error)

	// GetByEmail looks a contact up by its normalized address.
	GetByEmail(ctx context.Context, userID, email string) (*domain.Contact, error)

	// List returns contacts matching the filter plus the total count.
	List(ctx context.Context, userID string, f ListFilter) ([]domain.Contact, int, error)

	// Create inserts a new contact. Returns ErrDuplicateEmail when the
	// (user_id, email) pair already exists.
	Create(ctx context.Context, c *domain.Contact) error

	// Update applies the non-nil fields.
	Update(ctx context.Context, userID, id string, u UpdateFields) error

	// Delete removes a contact and its list memberships.
	Delete(ctx context.Context, userID, id string) error

	// UpdateStatus transitions a contact's subscription status. The
	// implementation must enforce one-way suppression: the update applies
	// only when the stored status permits the transition, and re-applying
	// the current status is a no-op, not an error.
	UpdateStatus(ctx context.Context, userID, id string, status domain.ContactStatus) error

	// Lists.
	CreateList(ctx context.Context, l *domain.List) error
	GetList(ctx context.Context, userID, id string) (*domain.List, error)
	Lists(ctx context.Context, userID string) ([]domain.List, error)
	DeleteList(ctx context.Context, userID, id string) error

	// AddToList and RemoveFromList adjust membership and keep the list's
	// denormalized contact_count in step atomically.
	AddToList(ctx context.Context, userID, listID, contactID string) error
	RemoveFromList(ctx context.Context, userID, listID, contactID string) error
}

// ListFilter controls pagination and filtering for contact lists.
type ListFilter struct {
	Status string
	ListID string
	Search string
	Limit  int
	Offset int
}

// UpdateFields holds the mutable fields for a contact update. Nil fields are
// not applied.
type UpdateFields struct {
	FirstName *string
	LastName  *string
	Metadata  map[string]interface{}
	Tags      []string
}
