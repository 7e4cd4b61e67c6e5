package audience

import (
	"context"

	"github.com/beaconmail/beacon/internal/domain"
)

// Repository defines the data access contract for audience resolution.
// Implementations must be safe for concurrent use.
type Repository interface {
	// CountLists returns how many of the given list IDs exist for the tenant.
	CountLists(ctx context.Context, userID string, listIDs []string) (int, error)

	// SubscribedContactsByLists returns the union of subscribed contacts
	// across the given lists, ordered by contact creation time. Contacts on
	// multiple lists may appear more than once; the resolver dedupes.
	SubscribedContactsByLists(ctx context.Context, userID string, listIDs []string) ([]domain.Contact, error)
}
