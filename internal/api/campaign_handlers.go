package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/beaconmail/beacon/internal/audience"
	"github.com/beaconmail/beacon/internal/pkg/httputil"
	"github.com/beaconmail/beacon/internal/service/campaign"
)

// ListCampaigns returns the tenant's campaigns, paginated.
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	f := campaign.ListFilter{
		Status: r.URL.Query().Get("status"),
		Search: r.URL.Query().Get("search"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	campaigns, total, err := h.Campaigns.List(r.Context(), tenantFrom(r), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"campaigns": campaigns,
		"total":     total,
	})
}

// CreateCampaign creates a draft campaign.
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var input campaign.CreateInput
	if !httputil.Decode(w, r, &input) {
		return
	}

	c, err := h.Campaigns.Create(r.Context(), tenantFrom(r), input)
	if err != nil {
		httputil.UnprocessableEntity(w, err.Error())
		return
	}
	httputil.Created(w, c)
}

// GetCampaign returns one campaign.
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.Campaigns.Get(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.OK(w, c)
}

// UpdateCampaign applies partial edits to a draft or scheduled campaign.
func (h *Handlers) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var u campaign.UpdateFields
	if !httputil.Decode(w, r, &u) {
		return
	}

	if err := h.Campaigns.Update(r.Context(), tenantFrom(r), chi.URLParam(r, "id"), u); err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.NoContent(w)
}

// DeleteCampaign removes a draft or cancelled campaign.
func (h *Handlers) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.Campaigns.Delete(r.Context(), tenantFrom(r), chi.URLParam(r, "id")); err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.NoContent(w)
}

// SendCampaign triggers dispatch.
func (h *Handlers) SendCampaign(w http.ResponseWriter, r *http.Request) {
	n, err := h.Campaigns.Send(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"status":     "sending",
		"recipients": n,
	})
}

// ScheduleCampaign sets a future send time on a draft.
func (h *Handlers) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	if body.ScheduledAt.IsZero() {
		httputil.BadRequest(w, "scheduled_at is required")
		return
	}

	if err := h.Campaigns.Schedule(r.Context(), tenantFrom(r), chi.URLParam(r, "id"), body.ScheduledAt); err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.NoContent(w)
}

// UnscheduleCampaign returns a scheduled campaign to draft.
func (h *Handlers) UnscheduleCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.Campaigns.Unschedule(r.Context(), tenantFrom(r), chi.URLParam(r, "id")); err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.NoContent(w)
}

// PauseCampaign suspends dispatch.
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.Campaigns.Pause(r.Context(), tenantFrom(r), chi.URLParam(r, "id")); err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.NoContent(w)
}

// ResumeCampaign continues a paused campaign.
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.Campaigns.Resume(r.Context(), tenantFrom(r), chi.URLParam(r, "id")); err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.NoContent(w)
}

// CancelCampaign permanently stops a campaign.
func (h *Handlers) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.Campaigns.Cancel(r.Context(), tenantFrom(r), chi.URLParam(r, "id")); err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.NoContent(w)
}

// CampaignStats returns the delivery aggregate.
func (h *Handlers) CampaignStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Campaigns.Stats(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.OK(w, st)
}

// CampaignFailures lists dead-lettered recipients for a campaign.
func (h *Handlers) CampaignFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := h.DeadLetters.DeadLetters(r.Context(), tenantFrom(r), chi.URLParam(r, "id"),
		queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"failures": failures})
}

func writeCampaignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrNotEditable),
		errors.Is(err, campaign.ErrAlreadySending):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, campaign.ErrRateLimited):
		httputil.TooManyRequests(w, 0, err.Error())
	case errors.Is(err, campaign.ErrNoContent),
		errors.Is(err, campaign.ErrNoCredential),
		errors.Is(err, audience.ErrNoLists),
		errors.Is(err, audience.ErrEmptyAudience):
		httputil.UnprocessableEntity(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
