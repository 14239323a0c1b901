// -----------------------------------------------------------------------
// Health Handler - Unauthenticated liveness and version endpoints
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
)

// HealthHandler serves the liveness probe. It is the only route that does
// not require the bearer key.
type HealthHandler struct {
	version string
	logger  arbor.ILogger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string, logger arbor.ILogger) *HealthHandler {
	return &HealthHandler{
		version: version,
		logger:  logger,
	}
}

// HealthzHandler handles GET /healthz.
func (h *HealthHandler) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"timestamp": time.Now().UTC(),
	})
}

// VersionHandler handles GET /version.
func (h *HealthHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"service": "capsuled",
		"version": h.version,
	})
}
