package webhookout_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconmail/beacon/internal/domain"
	"github.com/beaconmail/beacon/internal/reconcile"
	"github.com/beaconmail/beacon/internal/webhookout"
)

type memStore struct {
	mu        sync.Mutex
	hooks     []domain.Webhook
	enqueued  []domain.WebhookDelivery
	due       []webhookout.Delivery
	delivered map[string]int
	failed    map[string]*time.Time
	failMsgs  map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		delivered: make(map[string]int),
		failed:    make(map[string]*time.Time),
		failMsgs:  make(map[string]string),
	}
}

func (m *memStore) CreateWebhook(_ context.Context, w *domain.Webhook) error {
	m.hooks = append(m.hooks, *w)
	return nil
}

func (m *memStore) Webhooks(_ context.Context, userID string) ([]domain.Webhook, error) {
	var out []domain.Webhook
	for _, h := range m.hooks {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) DeleteWebhook(_ context.Context, userID, id string) error {
	for i, h := range m.hooks {
		if h.ID == id && h.UserID == userID {
			m.hooks = append(m.hooks[:i], m.hooks[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memStore) ActiveWebhooksFor(_ context.Context, userID, event string) ([]domain.Webhook, error) {
	var out []domain.Webhook
	for _, h := range m.hooks {
		if h.UserID == userID && h.SubscribedTo(event) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) EnqueueDeliveries(_ context.Context, deliveries []domain.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, deliveries...)
	return nil
}

func (m *memStore) ClaimDue(_ context.Context, _ int) ([]webhookout.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := m.due
	m.due = nil
	return due, nil
}

func (m *memStore) MarkDelivered(_ context.Context, id string, statusCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[id] = statusCode
	return nil
}

func (m *memStore) MarkAttemptFailed(_ context.Context, id string, _ int, errMsg string, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[id] = next
	m.failMsgs[id] = errMsg
	return nil
}

func (m *memStore) Deliveries(context.Context, string, string, int) ([]domain.WebhookDelivery, error) {
	return nil, nil
}

func hook(id, userID string, events ...string) domain.Webhook {
	return domain.Webhook{
		ID: id, UserID: userID, URL: "https://tenant.test/hook",
		Secret: "whsec_test", Events: events, Active: true,
	}
}

func testEvent() *domain.EmailEvent {
	return &domain.EmailEvent{
		ID:     "evt-1",
		SendID: "send-1",
		UserID: "user-1",
		Type:   domain.EventBounced,
		Payload: map[string]any{
			"campaign_id": "camp-1",
			"reason":      "550 no such user",
		},
	}
}

func TestPublishFansOutToMatchingEndpoints(t *testing.T) {
	store := newMemStore()
	store.hooks = []domain.Webhook{
		hook("wh-1", "user-1"),                                    // all events
		hook("wh-2", "user-1", "email.bounced"),                   // matching subscription
		hook("wh-3", "user-1", "email.opened"),                    // wrong event
		hook("wh-4", "user-2", "email.bounced"),                   // wrong tenant
		{ID: "wh-5", UserID: "user-1", Active: false, URL: "x"},   // inactive
	}

	d := webhookout.NewDispatcher(store)
	require.NoError(t, d.Publish(context.Background(), testEvent()))

	require.Len(t, store.enqueued, 2)
	ids := []string{store.enqueued[0].WebhookID, store.enqueued[1].WebhookID}
	assert.ElementsMatch(t, []string{"wh-1", "wh-2"}, ids)

	var env struct {
		ID    string         `json:"id"`
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(store.enqueued[0].Payload, &env))
	assert.Equal(t, "evt-1", env.ID)
	assert.Equal(t, "email.bounced", env.Event)
	assert.Equal(t, "550 no such user", env.Data["reason"])
}

func TestPublishNoEndpointsIsNoOp(t *testing.T) {
	store := newMemStore()
	d := webhookout.NewDispatcher(store)

	require.NoError(t, d.Publish(context.Background(), testEvent()))
	assert.Empty(t, store.enqueued)
}

func TestDrainDeliversAndSigns(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	store.due = []webhookout.Delivery{{
		ID: "del-1", EventID: "evt-1", Event: "email.bounced",
		Payload: []byte(`{"id":"evt-1"}`), URL: srv.URL, Secret: "whsec_test",
	}}

	s := webhookout.NewSender(store, srv.Client(), time.Second, 5)
	require.NoError(t, s.Drain(context.Background()))

	assert.Equal(t, http.StatusOK, store.delivered["del-1"])
	assert.Equal(t, "email.bounced", gotHeaders.Get("X-Beacon-Event"))
	assert.Equal(t, "del-1", gotHeaders.Get("X-Beacon-Delivery"))

	v := reconcile.NewVerifier("whsec_test", time.Minute)
	assert.NoError(t, v.Verify(gotBody, gotHeaders.Get("X-Beacon-Signature")))
}

func TestDrainFailureSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newMemStore()
	store.due = []webhookout.Delivery{{
		ID: "del-1", Event: "email.bounced", Payload: []byte(`{}`),
		URL: srv.URL, Secret: "whsec_test", Attempts: 0,
	}}

	s := webhookout.NewSender(store, srv.Client(), time.Second, 5)
	require.NoError(t, s.Drain(context.Background()))

	next, ok := store.failed["del-1"]
	require.True(t, ok)
	require.NotNil(t, next)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), *next, 2*time.Second)
}

func TestDrainRetiresAtMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newMemStore()
	store.due = []webhookout.Delivery{{
		ID: "del-1", Event: "email.bounced", Payload: []byte(`{}`),
		URL: srv.URL, Secret: "whsec_test", Attempts: 4,
	}}

	s := webhookout.NewSender(store, srv.Client(), time.Second, 5)
	require.NoError(t, s.Drain(context.Background()))

	next, ok := store.failed["del-1"]
	require.True(t, ok)
	assert.Nil(t, next, "retired delivery gets no next attempt")
}

func TestDrainConnectionErrorSchedulesRetry(t *testing.T) {
	store := newMemStore()
	store.due = []webhookout.Delivery{{
		ID: "del-1", Event: "email.bounced", Payload: []byte(`{}`),
		URL: "http://127.0.0.1:1", Secret: "whsec_test",
	}}

	s := webhookout.NewSender(store, nil, time.Second, 5)
	require.NoError(t, s.Drain(context.Background()))

	_, ok := store.failed["del-1"]
	assert.True(t, ok)
	assert.NotEmpty(t, store.failMsgs["del-1"])
}

func TestNewSecretFormat(t *testing.T) {
	a, b := webhookout.NewSecret(), webhookout.NewSecret()
	assert.True(t, strings.HasPrefix(a, "whsec_"))
	assert.Len(t, a, len("whsec_")+48)
	assert.NotEqual(t, a, b)
}
