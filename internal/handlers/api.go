package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/interfaces"
	"github.com/ternarybob/k2pweb/internal/models"
)

// APIHandler serves the service-level endpoints: version, health, 404.
type APIHandler struct {
	storage interfaces.JobStorage
	logger  arbor.ILogger
}

func NewAPIHandler(storage interfaces.JobStorage) *APIHandler {
	return &APIHandler{
		storage: storage,
		logger:  common.GetLogger(),
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"service":    "k2pweb",
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GetGitCommit(),
	})
}

// HealthHandler reports liveness plus current queue occupancy. A store
// that cannot be read makes the probe fail.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	queued, err := h.storage.CountJobsByStatus(r.Context(), models.JobStatusQueued)
	if err != nil {
		h.logger.Error().Err(err).Msg("Health check failed to read job store")
		WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  "job store unreachable",
		})
		return
	}
	running, err := h.storage.CountJobsByStatus(r.Context(), models.JobStatusRunning)
	if err != nil {
		running = 0
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"queued":  queued,
		"running": running,
	})
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
