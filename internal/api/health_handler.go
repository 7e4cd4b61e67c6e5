package api

import (
	"net/http"
	"time"

	"github.com/beaconmail/beacon/internal/pkg/httputil"
)

var startedAt = time.Now()

// HealthCheck reports process liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(startedAt).Seconds()),
	})
}
