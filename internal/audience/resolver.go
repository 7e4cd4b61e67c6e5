package audience

import (
	"context"
	"fmt"

	"github.com/beaconmail/beacon/internal/domain"
	"github.com/beaconmail/beacon/internal/pkg/logger"
)

// Resolver computes the recipient set for a campaign send.
type Resolver struct {
	repo Repository
}

// NewResolver creates a resolver backed by the given repository.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the deduplicated, subscribed recipients across the given
// lists. Returns ErrNoLists if any list ID is unknown for the tenant, and
// ErrEmptyAudience when nothing is sendable.
func (r *Resolver) Resolve(ctx context.Context, userID string, listIDs []string) ([]domain.Contact, error) {
	if len(listIDs) == 0 {
		return nil, ErrNoLists
	}

	found, err := r.repo.CountLists(ctx, userID, listIDs)
	if err != nil {
		return nil, fmt.Errorf("verify lists: %w", err)
	}
	if found != len(listIDs) {
		return nil, ErrNoLists
	}

	contacts, err := r.repo.SubscribedContactsByLists(ctx, userID, listIDs)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}

	seen := make(map[string]bool, len(contacts))
	resolved := contacts[:0]
	for _, c := range contacts {
		if seen[c.ID] {
			continue
		}
		if c.Status != domain.ContactSubscribed {
			// Suppression can land between the query and resolution.
			continue
		}
		seen[c.ID] = true
		resolved = append(resolved, c)
	}

	if len(resolved) == 0 {
		return nil, ErrEmptyAudience
	}

	logger.Debug("resolved audience",
		"user_id", userID, "lists", len(listIDs), "recipients", len(resolved))

	return resolved, nil
}
