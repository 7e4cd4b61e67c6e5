package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/beaconmail/beacon/internal/pkg/httputil"
	"github.com/beaconmail/beacon/internal/service/contact"
)

// ListContacts returns the tenant's contacts, filtered and paginated.
func (h *Handlers) ListContacts(w http.ResponseWriter, r *http.Request) {
	f := contact.ListFilter{
		Status: r.URL.Query().Get("status"),
		ListID: r.URL.Query().Get("list_id"),
		Search: r.URL.Query().Get("search"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	contacts, total, err := h.Contacts.List(r.Context(), tenantFrom(r), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"contacts": contacts,
		"total":    total,
	})
}

// CreateContact adds a subscribed contact, optionally into lists.
func (h *Handlers) CreateContact(w http.ResponseWriter, r *http.Request) {
	var input contact.CreateInput
	if !httputil.Decode(w, r, &input) {
		return
	}

	c, err := h.Contacts.Create(r.Context(), tenantFrom(r), input)
	if err != nil {
		writeContactError(w, err)
		return
	}
	httputil.Created(w, c)
}

// GetContact returns one contact.
func (h *Handlers) GetContact(w http.ResponseWriter, r *http.Request) {
	c, err := h.Contacts.Get(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeContactError(w, err)
		return
	}
	httputil.OK(w, c)
}

// UpdateContact applies partial edits.
func (h *Handlers) UpdateContact(w http.ResponseWriter, r *http.Request) {
	var u contact.UpdateFields
	if !httputil.Decode(w, r, &u) {
		return
	}

	if err := h.Contacts.Update(r.Context(), tenantFrom(r), chi.URLParam(r, "id"), u); err != nil {
		writeContactError(w, err)
		return
	}
	httputil.NoContent(w)
}

// DeleteContact removes a contact and its memberships.
func (h *Handlers) DeleteContact(w http.ResponseWriter, r *http.Request) {
	if err := h.Contacts.Delete(r.Context(), tenantFrom(r), chi.URLParam(r, "id")); err != nil {
		writeContactError(w, err)
		return
	}
	httputil.NoContent(w)
}

// UnsubscribeContact is the tenant-initiated unsubscribe (support flows).
func (h *Handlers) UnsubscribeContact(w http.ResponseWriter, r *http.Request) {
	if err := h.Contacts.Unsubscribe(r.Context(), tenantFrom(r), chi.URLParam(r, "id")); err != nil {
		writeContactError(w, err)
		return
	}
	httputil.NoContent(w)
}

func writeContactError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, contact.ErrNotFound), errors.Is(err, contact.ErrListNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, contact.ErrDuplicateEmail):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, contact.ErrInvalidEmail):
		httputil.UnprocessableEntity(w, err.Error())
	case errors.Is(err, contact.ErrInvalidTransition):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
