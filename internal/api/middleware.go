package api

import (
	"context"
	"net/http"
	"time"

	"github.com/beaconmail/beacon/internal/pkg/httputil"
	"github.com/beaconmail/beacon/internal/pkg/logger"
)

type ctxKey int

const userIDKey ctxKey = iota

// tenantFrom extracts the authenticated tenant from the request context.
func tenantFrom(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// requireTenant resolves the calling tenant. Authentication proper is
// deployed in front of this service; the gateway injects the verified
// tenant ID in X-User-ID. Requests without it are rejected.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			httputil.Error(w, http.StatusUnauthorized, "missing tenant identity")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// limitAction gates a request class through the shared fixed-window
// limiter, keyed per tenant. Unconfigured actions pass through.
func (h *Handlers) limitAction(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			quota := h.ActionQuotas[action]
			if h.Limiter == nil || quota <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			userID := tenantFrom(r)
			dec, err := h.Limiter.Check(r.Context(), action+":"+userID, 1, quota)
			if err != nil {
				// The limiter is advisory for API actions; Redis trouble
				// must not take the API down.
				logger.Warn("action limiter unavailable", "action", action, "error", err.Error())
				next.ServeHTTP(w, r)
				return
			}
			if !dec.Allowed {
				retry := int(time.Until(dec.ResetAt).Seconds()) + 1
				httputil.TooManyRequests(w, retry, "rate limit exceeded for "+action)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
