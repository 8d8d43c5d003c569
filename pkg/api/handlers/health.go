package handlers

import (
	"net/http"

	"github.com/nomad-lab/nomad-core/pkg/process"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// HealthHandler handles the health check endpoints.
type HealthHandler struct {
	state store.Store
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(state store.Store) *HealthHandler {
	return &HealthHandler{state: state}
}

// Liveness handles GET /health. It reports that the process is up and
// returns the build information.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	ok(w, http.StatusOK, map[string]string{
		"version": process.Version,
		"commit":  process.Commit,
	})
}

// Readiness handles GET /health/ready. It verifies that the state store
// answers queries.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if _, err := h.state.ProcessingUploads(r.Context()); err != nil {
		fail(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	ok(w, http.StatusOK, map[string]string{"state": "ready"})
}
