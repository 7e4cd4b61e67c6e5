package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/beaconmail/beacon/internal/pkg/httputil"
)

// UnsubscribeInfo verifies a token without acting on it, so a confirmation
// page can render before the POST.
func (h *Handlers) UnsubscribeInfo(w http.ResponseWriter, r *http.Request) {
	claims, err := h.Tokens.Verify(chi.URLParam(r, "token"))
	if err != nil {
		httputil.NotFound(w, "invalid unsubscribe link")
		return
	}
	httputil.OK(w, map[string]interface{}{
		"valid":       true,
		"campaign_id": claims.CampaignID,
	})
}

// Unsubscribe performs the one-click unsubscribe (RFC 8058 POST). The token
// is the only credential; already-unsubscribed contacts return success.
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	claims, err := h.Tokens.Verify(chi.URLParam(r, "token"))
	if err != nil {
		httputil.NotFound(w, "invalid unsubscribe link")
		return
	}

	if err := h.Contacts.Unsubscribe(r.Context(), claims.UserID, claims.ContactID); err != nil {
		// A contact deleted since the send still gets a clean landing.
		httputil.OK(w, map[string]interface{}{"unsubscribed": true})
		return
	}
	httputil.OK(w, map[string]interface{}{"unsubscribed": true})
}
