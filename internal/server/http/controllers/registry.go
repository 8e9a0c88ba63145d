package controllers

import (
	"github.com/gorilla/mux"

	"github.com/rzbill/changeflo/internal/runtime"
	changestreamsvc "github.com/rzbill/changeflo/internal/services/changestreams"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general       *GeneralController
	changestreams *ChangeStreamsController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(rt *runtime.Runtime, svc *changestreamsvc.Service) *ControllerRegistry {
	return &ControllerRegistry{
		general:       NewGeneralController(rt, svc),
		changestreams: NewChangeStreamsController(svc),
	}
}

// RegisterAllRoutes registers all controller routes with the given router.
func (r *ControllerRegistry) RegisterAllRoutes(router *mux.Router) {
	r.general.RegisterRoutes(router)
	r.changestreams.RegisterRoutes(router)
}
