package reconcile_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconmail/beacon/internal/domain"
	"github.com/beaconmail/beacon/internal/reconcile"
)

type memStore struct {
	staged    []reconcile.StagedEvent
	processed map[string]bool
	sends     map[string]*reconcile.SendRef // keyed by provider message ID
	stamps    map[string][]domain.EventType
	events    []*domain.EmailEvent
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{
		processed: make(map[string]bool),
		sends:     make(map[string]*reconcile.SendRef),
		stamps:    make(map[string][]domain.EventType),
	}
}

func (m *memStore) Stage(_ context.Context, provider string, events []reconcile.Event) (int, error) {
	staged := 0
	for _, ev := range events {
		key := provider + "/" + ev.EventID
		if m.processed[key] {
			continue
		}
		m.processed[key] = true
		m.nextID++
		m.staged = append(m.staged, reconcile.StagedEvent{
			ID:         m.nextID,
			Provider:   provider,
			EventID:    ev.EventID,
			Type:       ev.Type,
			MessageID:  ev.MessageID,
			Email:      ev.Email,
			Reason:     ev.Reason,
			OccurredAt: ev.Timestamp,
			ReceivedAt: time.Now(),
		})
		staged++
	}
	return staged, nil
}

func (m *memStore) ClaimStaged(_ context.Context, limit int) ([]reconcile.StagedEvent, error) {
	if limit > len(m.staged) {
		limit = len(m.staged)
	}
	claimed := m.staged[:limit]
	m.staged = m.staged[limit:]
	return claimed, nil
}

func (m *memStore) FindSend(_ context.Context, messageID string) (*reconcile.SendRef, error) {
	return m.sends[messageID], nil
}

func (m *memStore) AdvanceSend(_ context.Context, sendID string, status domain.SendStatus, eventType domain.EventType, _ time.Time, _ string) (bool, error) {
	for _, ref := range m.sends {
		if ref.ID != sendID {
			continue
		}
		if !ref.Status.CanAdvanceTo(status) {
			return false, nil
		}
		ref.Status = status
		m.stamps[sendID] = append(m.stamps[sendID], eventType)
		return true, nil
	}
	return false, fmt.Errorf("send %s not found", sendID)
}

func (m *memStore) StampEngagement(_ context.Context, sendID string, eventType domain.EventType, _ time.Time) error {
	m.stamps[sendID] = append(m.stamps[sendID], eventType)
	return nil
}

func (m *memStore) InsertEvent(_ context.Context, event *domain.EmailEvent) error {
	m.events = append(m.events, event)
	return nil
}

type fakeSuppressor struct {
	calls []string // "contactID:status"
}

func (f *fakeSuppressor) Suppress(_ context.Context, _, contactID string, status domain.ContactStatus) error {
	f.calls = append(f.calls, contactID+":"+string(status))
	return nil
}

type fakeNotifier struct {
	published []*domain.EmailEvent
}

func (f *fakeNotifier) Publish(_ context.Context, event *domain.EmailEvent) error {
	f.published = append(f.published, event)
	return nil
}

func seedSend(store *memStore, messageID string, status domain.SendStatus) *reconcile.SendRef {
	ref := &reconcile.SendRef{
		ID:         "send-" + messageID,
		UserID:     "user-1",
		CampaignID: "camp-1",
		ContactID:  "contact-" + messageID,
		Email:      messageID + "@example.com",
		Status:     status,
	}
	store.sends[messageID] = ref
	return ref
}

func TestVerifierAcceptsFreshSignature(t *testing.T) {
	body := []byte(`[{"event_id":"e1"}]`)
	v := reconcile.NewVerifier("topsecret", time.Minute)
	header := reconcile.Sign("topsecret", body, time.Now())

	assert.NoError(t, v.Verify(body, header))
}

func TestVerifierRejectsTamperedBody(t *testing.T) {
	v := reconcile.NewVerifier("topsecret", time.Minute)
	header := reconcile.Sign("topsecret", []byte(`original`), time.Now())

	err := v.Verify([]byte(`tampered`), header)
	assert.ErrorIs(t, err, reconcile.ErrBadSignature)
}

func TestVerifierRejectsWrongSecret(t *testing.T) {
	body := []byte(`payload`)
	v := reconcile.NewVerifier("topsecret", time.Minute)
	header := reconcile.Sign("other", body, time.Now())

	assert.ErrorIs(t, v.Verify(body, header), reconcile.ErrBadSignature)
}

func TestVerifierRejectsStaleTimestamp(t *testing.T) {
	body := []byte(`payload`)
	v := reconcile.NewVerifier("topsecret", time.Minute)
	header := reconcile.Sign("topsecret", body, time.Now().Add(-10*time.Minute))

	assert.ErrorIs(t, v.Verify(body, header), reconcile.ErrStaleTimestamp)
}

func TestVerifierRejectsMalformedHeader(t *testing.T) {
	v := reconcile.NewVerifier("topsecret", time.Minute)

	for _, header := range []string{"", "t=abc,v1=00", "v1=00", "t=123"} {
		assert.ErrorIs(t, v.Verify([]byte(`x`), header), reconcile.ErrBadSignature, "header %q", header)
	}
}

func TestIngestStagesVerifiedBatch(t *testing.T) {
	store := newMemStore()
	ing := reconcile.NewIngestor(reconcile.NewVerifier("s3cret", time.Minute), store)

	body := []byte(`{"events":[
		{"event_id":"e1","type":"delivered","message_id":"m1","timestamp":"2026-08-30T10:00:00Z"},
		{"event_id":"e2","type":"open","message_id":"m1","timestamp":"2026-08-30T10:05:00Z"},
		{"event_id":"","type":"open","message_id":"m1"}
	]}`)
	header := reconcile.Sign("s3cret", body, time.Now())

	n, err := ing.Ingest(context.Background(), "http", body, header)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "malformed event should be dropped")
	assert.Len(t, store.staged, 2)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	store := newMemStore()
	ing := reconcile.NewIngestor(reconcile.NewVerifier("s3cret", time.Minute), store)

	_, err := ing.Ingest(context.Background(), "http", []byte(`[]`), "t=1,v1=bogus")
	assert.ErrorIs(t, err, reconcile.ErrBadSignature)
	assert.Empty(t, store.staged)
}

func TestIngestRetryIsIdempotent(t *testing.T) {
	store := newMemStore()
	ing := reconcile.NewIngestor(reconcile.NewVerifier("s3cret", time.Minute), store)

	body := []byte(`[{"event_id":"e1","type":"delivered","message_id":"m1"}]`)
	header := reconcile.Sign("s3cret", body, time.Now())

	n, err := ing.Ingest(context.Background(), "http", body, header)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	header = reconcile.Sign("s3cret", body, time.Now())
	n, err = ing.Ingest(context.Background(), "http", body, header)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "replayed batch stages nothing new")
}

func TestProcessBatchAdvancesDeliveredSend(t *testing.T) {
	store := newMemStore()
	ref := seedSend(store, "m1", domain.SendSent)
	store.Stage(context.Background(), "http", []reconcile.Event{
		{EventID: "e1", Type: "delivered", MessageID: "m1", Timestamp: time.Now()},
	})

	p := reconcile.NewProcessor(store, nil, nil, time.Second)
	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, domain.SendDelivered, ref.Status)
	require.Len(t, store.events, 1)
	assert.Equal(t, domain.EventDelivered, store.events[0].Type)
	assert.Equal(t, ref.ID, store.events[0].SendID)
}

func TestProcessBatchAcceptsPrefixedEventTypes(t *testing.T) {
	store := newMemStore()
	ref := seedSend(store, "m1", domain.SendSent)
	store.Stage(context.Background(), "http", []reconcile.Event{
		{EventID: "e1", Type: "email.delivered", MessageID: "m1", Timestamp: time.Now()},
	})

	p := reconcile.NewProcessor(store, nil, nil, time.Second)
	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, domain.SendDelivered, ref.Status,
		"canonical email.* type names advance the send like the bare forms")
}

func TestProcessBatchDuplicateEventStillLogged(t *testing.T) {
	store := newMemStore()
	ref := seedSend(store, "m1", domain.SendDelivered)
	store.Stage(context.Background(), "http", []reconcile.Event{
		{EventID: "e9", Type: "delivered", MessageID: "m1", Timestamp: time.Now()},
	})

	p := reconcile.NewProcessor(store, nil, nil, time.Second)
	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, domain.SendDelivered, ref.Status, "status untouched")
	assert.Len(t, store.events, 1, "event log still records the notification")
}

func TestProcessBatchLateDeliveryNeverOverwritesBounce(t *testing.T) {
	store := newMemStore()
	ref := seedSend(store, "m1", domain.SendBounced)
	store.Stage(context.Background(), "http", []reconcile.Event{
		{EventID: "e1", Type: "delivered", MessageID: "m1", Timestamp: time.Now()},
	})

	p := reconcile.NewProcessor(store, nil, nil, time.Second)
	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.SendBounced, ref.Status)
}

func TestProcessBatchBounceSuppressesContact(t *testing.T) {
	store := newMemStore()
	ref := seedSend(store, "m1", domain.SendDelivered)
	store.Stage(context.Background(), "http", []reconcile.Event{
		{EventID: "e1", Type: "bounce", MessageID: "m1", Reason: "550 no such user", Timestamp: time.Now()},
	})

	sup := &fakeSuppressor{}
	notif := &fakeNotifier{}
	p := reconcile.NewProcessor(store, sup, notif, time.Second)
	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.SendBounced, ref.Status)
	require.Len(t, sup.calls, 1)
	assert.Equal(t, ref.ContactID+":bounced", sup.calls[0])
	require.Len(t, notif.published, 1)
	assert.Equal(t, domain.EventBounced, notif.published[0].Type)
	assert.Equal(t, "550 no such user", notif.published[0].Payload["reason"])
}

func TestProcessBatchComplaintSuppressesContact(t *testing.T) {
	store := newMemStore()
	seedSend(store, "m1", domain.SendDelivered)
	store.Stage(context.Background(), "http", []reconcile.Event{
		{EventID: "e1", Type: "complaint", MessageID: "m1", Timestamp: time.Now()},
	})

	sup := &fakeSuppressor{}
	p := reconcile.NewProcessor(store, sup, nil, time.Second)
	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)

	require.Len(t, sup.calls, 1)
	assert.Equal(t, "contact-m1:complained", sup.calls[0])
}

func TestProcessBatchOpenStampsEngagement(t *testing.T) {
	store := newMemStore()
	ref := seedSend(store, "m1", domain.SendDelivered)
	store.Stage(context.Background(), "http", []reconcile.Event{
		{EventID: "e1", Type: "open", MessageID: "m1", Timestamp: time.Now()},
		{EventID: "e2", Type: "click", MessageID: "m1", Timestamp: time.Now()},
	})

	p := reconcile.NewProcessor(store, nil, nil, time.Second)
	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, domain.SendDelivered, ref.Status, "engagement never moves status")
	assert.Equal(t, []domain.EventType{domain.EventOpened, domain.EventClicked}, store.stamps[ref.ID])
	assert.Len(t, store.events, 2)
}

func TestProcessBatchSkipsUnknownMessage(t *testing.T) {
	store := newMemStore()
	store.Stage(context.Background(), "http", []reconcile.Event{
		{EventID: "e1", Type: "delivered", MessageID: "never-seen", Timestamp: time.Now()},
	})

	p := reconcile.NewProcessor(store, nil, nil, time.Second)
	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, store.events)
}

func TestProcessBatchSkipsUnknownEventType(t *testing.T) {
	store := newMemStore()
	seedSend(store, "m1", domain.SendSent)
	store.Stage(context.Background(), "http", []reconcile.Event{
		{EventID: "e1", Type: "list_unsubscribe", MessageID: "m1", Timestamp: time.Now()},
		{EventID: "e2", Type: "delivered", MessageID: "m1", Timestamp: time.Now()},
	})

	p := reconcile.NewProcessor(store, nil, nil, time.Second)
	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "unknown type skipped, known type applied")
}

func TestParseBatchBareArrayAndEnvelope(t *testing.T) {
	bare, err := reconcile.ParseBatch([]byte(`[{"event_id":"e1","type":"open"}]`))
	require.NoError(t, err)
	require.Len(t, bare, 1)

	wrapped, err := reconcile.ParseBatch([]byte(`{"events":[{"event_id":"e1"},{"event_id":"e2"}]}`))
	require.NoError(t, err)
	assert.Len(t, wrapped, 2)

	_, err = reconcile.ParseBatch([]byte(`not json`))
	assert.Error(t, err)
}
