package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/ice/internal/runtime"
)

// GeneralController serves health and queue statistics.
type GeneralController struct {
	rt *runtime.Runtime
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers general routes with the given router.
func (c *GeneralController) RegisterRoutes(r chi.Router) {
	r.Get("/v1/healthz", c.handleHealth)
	r.Get("/v1/stats", c.handleStats)
}

// handleHealth returns the health status of the service.
//
// Returns 200 OK with {"status": "ok"} if healthy, 503 Service Unavailable otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleStats reports queue depths.
// GET /v1/stats?topic=a&topic=b
func (c *GeneralController) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := c.rt.Ice().Stats(r.Context(), r.URL.Query()["topic"]...)
	if err != nil {
		writeIceError(w, err)
		return
	}
	writeJSON(w, st)
}
