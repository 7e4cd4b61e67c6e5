package api

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/beaconmail/beacon/internal/domain"
	"github.com/beaconmail/beacon/internal/pkg/httputil"
	"github.com/beaconmail/beacon/internal/pkg/logger"
	"github.com/beaconmail/beacon/internal/reconcile"
	"github.com/beaconmail/beacon/internal/webhookout"
)

// maxEventBody bounds inbound provider webhook payloads.
const maxEventBody = 5 << 20

// IngestProviderEvents accepts a signed provider event batch and stages it
// for the reconciler. The response is 200 as soon as the batch is durable.
func (h *Handlers) IngestProviderEvents(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}

	n, err := h.Ingestor.Ingest(r.Context(), provider, body, r.Header.Get("X-Beacon-Signature"))
	switch {
	case errors.Is(err, reconcile.ErrBadSignature), errors.Is(err, reconcile.ErrStaleTimestamp):
		logger.Warn("rejected provider webhook", "provider", provider, "error", err.Error())
		httputil.Error(w, http.StatusUnauthorized, "signature verification failed")
		return
	case err != nil:
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]interface{}{"staged": n})
}

// ListWebhooks returns the tenant's outbound endpoints.
func (h *Handlers) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.Webhooks.Webhooks(r.Context(), tenantFrom(r))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"webhooks": hooks})
}

// CreateWebhook registers an outbound endpoint. The signing secret is
// returned once, on creation.
func (h *Handlers) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}

	parsed, err := url.Parse(body.URL)
	if err != nil || parsed.Scheme != "https" && parsed.Scheme != "http" || parsed.Host == "" {
		httputil.UnprocessableEntity(w, "url must be an absolute http(s) URL")
		return
	}
	for _, ev := range body.Events {
		if !domain.EventType(ev).Valid() {
			httputil.UnprocessableEntity(w, "unknown event type: "+ev)
			return
		}
	}

	hook := &domain.Webhook{
		ID:     uuid.New().String(),
		UserID: tenantFrom(r),
		URL:    body.URL,
		Secret: webhookout.NewSecret(),
		Events: body.Events,
		Active: true,
	}
	if err := h.Webhooks.CreateWebhook(r.Context(), hook); err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.Created(w, map[string]interface{}{
		"id":     hook.ID,
		"url":    hook.URL,
		"events": hook.Events,
		"secret": hook.Secret,
	})
}

// DeleteWebhook removes an endpoint and its pending deliveries.
func (h *Handlers) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	err := h.Webhooks.DeleteWebhook(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if errors.Is(err, sql.ErrNoRows) {
		httputil.NotFound(w, "webhook not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// WebhookDeliveries lists recent delivery attempts for an endpoint.
func (h *Handlers) WebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := h.Webhooks.Deliveries(r.Context(), tenantFrom(r),
		chi.URLParam(r, "id"), queryInt(r, "limit", 50))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"deliveries": deliveries})
}
