package audience_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconmail/beacon/internal/audience"
	"github.com/beaconmail/beacon/internal/domain"
)

// memRepo is an in-memory audience repository for unit testing.
type memRepo struct {
	mu       sync.Mutex
	lists    map[string]string            // list id -> user id
	contacts map[string][]domain.Contact  // list id -> members
	err      error
}

func newMemRepo() *memRepo {
	return &memRepo{
		lists:    make(map[string]string),
		contacts: make(map[string][]domain.Contact),
	}
}

func (m *memRepo) CountLists(_ context.Context, userID string, listIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	n := 0
	for _, id := range listIDs {
		if m.lists[id] == userID {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) SubscribedContactsByLists(_ context.Context, userID string, listIDs []string) ([]domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Contact
	for _, id := range listIDs {
		if m.lists[id] != userID {
			continue
		}
		for _, c := range m.contacts[id] {
			if c.Status == domain.ContactSubscribed {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func contact(id, email string, status domain.ContactStatus) domain.Contact {
	return domain.Contact{ID: id, UserID: "u1", Email: email, Status: status}
}

func TestResolveUnionsAndDedupes(t *testing.T) {
	repo := newMemRepo()
	repo.lists["l1"] = "u1"
	repo.lists["l2"] = "u1"
	repo.contacts["l1"] = []domain.Contact{
		contact("c1", "a@example.com", domain.ContactSubscribed),
		contact("c2", "b@example.com", domain.ContactSubscribed),
	}
	repo.contacts["l2"] = []domain.Contact{
		contact("c2", "b@example.com", domain.ContactSubscribed), // on both lists
		contact("c3", "c@example.com", domain.ContactSubscribed),
	}

	r := audience.NewResolver(repo)
	got, err := r.Resolve(context.Background(), "u1", []string{"l1", "l2"})
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids)
}

func TestResolveFiltersUnsubscribed(t *testing.T) {
	repo := newMemRepo()
	repo.lists["l1"] = "u1"
	repo.contacts["l1"] = []domain.Contact{
		contact("c1", "a@example.com", domain.ContactSubscribed),
		contact("c2", "b@example.com", domain.ContactUnsubscribed),
		contact("c3", "c@example.com", domain.ContactBounced),
	}

	r := audience.NewResolver(repo)
	got, err := r.Resolve(context.Background(), "u1", []string{"l1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)
}

func TestResolveUnknownList(t *testing.T) {
	repo := newMemRepo()
	repo.lists["l1"] = "u1"
	repo.contacts["l1"] = []domain.Contact{contact("c1", "a@example.com", domain.ContactSubscribed)}

	r := audience.NewResolver(repo)

	_, err := r.Resolve(context.Background(), "u1", []string{"l1", "missing"})
	assert.ErrorIs(t, err, audience.ErrNoLists)

	// A list owned by another tenant is invisible.
	repo.lists["l2"] = "u2"
	_, err = r.Resolve(context.Background(), "u1", []string{"l2"})
	assert.ErrorIs(t, err, audience.ErrNoLists)
}

func TestResolveNoListsGiven(t *testing.T) {
	r := audience.NewResolver(newMemRepo())
	_, err := r.Resolve(context.Background(), "u1", nil)
	assert.ErrorIs(t, err, audience.ErrNoLists)
}

func TestResolveEmptyAudience(t *testing.T) {
	repo := newMemRepo()
	repo.lists["l1"] = "u1"
	repo.contacts["l1"] = []domain.Contact{
		contact("c1", "a@example.com", domain.ContactUnsubscribed),
	}

	r := audience.NewResolver(repo)
	_, err := r.Resolve(context.Background(), "u1", []string{"l1"})
	assert.ErrorIs(t, err, audience.ErrEmptyAudience)
}

func TestResolveRepoError(t *testing.T) {
	repo := newMemRepo()
	repo.err = errors.New("db down")

	r := audience.NewResolver(repo)
	_, err := r.Resolve(context.Background(), "u1", []string{"l1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, audience.ErrNoLists)
}
