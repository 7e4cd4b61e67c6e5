package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/beaconmail/beacon/internal/pkg/httputil"
)

// ListLists returns all of the tenant's lists.
func (h *Handlers) ListLists(w http.ResponseWriter, r *http.Request) {
	lists, err := h.Contacts.Lists(r.Context(), tenantFrom(r))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"lists": lists})
}

// CreateList creates an empty named list.
func (h *Handlers) CreateList(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}

	l, err := h.Contacts.CreateList(r.Context(), tenantFrom(r), body.Name, body.Description)
	if err != nil {
		httputil.UnprocessableEntity(w, err.Error())
		return
	}
	httputil.Created(w, l)
}

// GetList returns one list with its contact count.
func (h *Handlers) GetList(w http.ResponseWriter, r *http.Request) {
	l, err := h.Contacts.GetList(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeContactError(w, err)
		return
	}
	httputil.OK(w, l)
}

// DeleteList removes a list; its contacts stay.
func (h *Handlers) DeleteList(w http.ResponseWriter, r *http.Request) {
	if err := h.Contacts.DeleteList(r.Context(), tenantFrom(r), chi.URLParam(r, "id")); err != nil {
		writeContactError(w, err)
		return
	}
	httputil.NoContent(w)
}

// AddContactToList adds a membership.
func (h *Handlers) AddContactToList(w http.ResponseWriter, r *http.Request) {
	err := h.Contacts.AddToList(r.Context(), tenantFrom(r),
		chi.URLParam(r, "id"), chi.URLParam(r, "contactID"))
	if err != nil {
		writeContactError(w, err)
		return
	}
	httputil.NoContent(w)
}

// RemoveContactFromList removes a membership.
func (h *Handlers) RemoveContactFromList(w http.ResponseWriter, r *http.Request) {
	err := h.Contacts.RemoveFromList(r.Context(), tenantFrom(r),
		chi.URLParam(r, "id"), chi.URLParam(r, "contactID"))
	if err != nil {
		writeContactError(w, err)
		return
	}
	httputil.NoContent(w)
}
