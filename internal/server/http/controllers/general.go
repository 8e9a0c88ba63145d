package controllers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rzbill/changeflo/internal/runtime"
	changestreamsvc "github.com/rzbill/changeflo/internal/services/changestreams"
)

// GeneralController handles health and cluster-wide listings.
type GeneralController struct {
	rt  *runtime.Runtime
	svc *changestreamsvc.Service
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime, svc *changestreamsvc.Service) *GeneralController {
	return &GeneralController{rt: rt, svc: svc}
}

// RegisterRoutes registers general routes with the given router.
//
// This method sets up HTTP endpoints for:
// - Health checks (/v1/healthz)
// - Change collection listing (/v1/collections)
func (c *GeneralController) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/healthz", c.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/collections", c.handleListCollections).Methods(http.MethodGet)
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

// handleListCollections lists stats of every live change collection.
func (c *GeneralController) handleListCollections(w http.ResponseWriter, r *http.Request) {
	list, err := c.svc.ListCollections(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"collections": list})
}
