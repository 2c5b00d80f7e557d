package controllers

import (
	"github.com/go-chi/chi/v5"

	"github.com/rzbill/ice/internal/runtime"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general *GeneralController
	jobs    *JobsController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(rt *runtime.Runtime) *ControllerRegistry {
	return &ControllerRegistry{
		general: NewGeneralController(rt),
		jobs:    NewJobsController(rt),
	}
}

// RegisterAllRoutes registers all controller routes with the given router.
func (r *ControllerRegistry) RegisterAllRoutes(rtr chi.Router) {
	r.general.RegisterRoutes(rtr)
	r.jobs.RegisterRoutes(rtr)
}
