package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/rzbill/changeflo/internal/resumetoken"
	changestreamsvc "github.com/rzbill/changeflo/internal/services/changestreams"
)

// ChangeStreamsController handles per-tenant change stream endpoints:
// lifecycle, ingest, server-side cursors, stats and push watches over SSE
// or websocket.
type ChangeStreamsController struct {
	svc *changestreamsvc.Service
}

// NewChangeStreamsController creates a new change streams controller.
func NewChangeStreamsController(svc *changestreamsvc.Service) *ChangeStreamsController {
	return &ChangeStreamsController{svc: svc}
}

// RegisterRoutes registers all tenant routes with the given router.
func (c *ChangeStreamsController) RegisterRoutes(r *mux.Router) {
	t := r.PathPrefix("/v1/tenants/{tenant}").Subrouter()

	// Lifecycle
	t.HandleFunc("/changestreams", c.handleGetState).Methods(http.MethodGet)
	t.HandleFunc("/changestreams", c.handleSetState).Methods(http.MethodPut)

	// Writes
	t.HandleFunc("/ops", c.handleIngest).Methods(http.MethodPost)

	// Cursors
	t.HandleFunc("/cursors", c.handleOpenCursor).Methods(http.MethodPost)
	t.HandleFunc("/cursors/{id}/getMore", c.handleGetMore).Methods(http.MethodPost)
	t.HandleFunc("/cursors/{id}", c.handleKillCursor).Methods(http.MethodDelete)

	// Streaming
	t.HandleFunc("/watch", c.handleWatchSSE).Methods(http.MethodGet)
	t.HandleFunc("/watch/ws", c.handleWatchWebsocket).Methods(http.MethodGet)

	// Statistics
	t.HandleFunc("/stats", c.handleStats).Methods(http.MethodGet)
}

func (c *ChangeStreamsController) handleGetState(w http.ResponseWriter, r *http.Request) {
	st, err := c.svc.ChangeStreamState(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, st)
}

// handleSetState enables or disables change streams. Body: {"enabled": bool}.
func (c *ChangeStreamsController) handleSetState(w http.ResponseWriter, r *http.Request) {
	var req stateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	st, err := c.svc.SetChangeStreamState(r.Context(), mux.Vars(r)["tenant"], req.Enabled)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, st)
}

// handleIngest commits one transaction of data ops.
func (c *ChangeStreamsController) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req ingestReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	res, err := c.svc.Ingest(r.Context(), mux.Vars(r)["tenant"], req.Ops)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("X-Ingest-Latency-Ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(res)
}

// handleOpenCursor opens a server-side cursor. The body is a watch request;
// the tenant comes from the path.
func (c *ChangeStreamsController) handleOpenCursor(w http.ResponseWriter, r *http.Request) {
	var req changestreamsvc.WatchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	req.Tenant = mux.Vars(r)["tenant"]
	b, err := c.svc.OpenCursor(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, b)
}

func (c *ChangeStreamsController) handleGetMore(w http.ResponseWriter, r *http.Request) {
	var req getMoreReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	// Query params fill in what the body leaves unset.
	q := r.URL.Query()
	if req.BatchSize == 0 {
		req.BatchSize = parseLimit(q.Get("batchSize"))
	}
	maxAwait := time.Duration(req.MaxAwaitMS) * time.Millisecond
	if maxAwait == 0 {
		maxAwait = parseMillis(q.Get("maxAwaitTimeMS"))
	}
	vars := mux.Vars(r)
	b, err := c.svc.GetMore(r.Context(), vars["tenant"], vars["id"], req.BatchSize, maxAwait)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, b)
}

func (c *ChangeStreamsController) handleKillCursor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := c.svc.KillCursor(r.Context(), vars["tenant"], vars["id"]); err != nil {
		writeErr(w, err)
		return
	}
	writeNoContent(w)
}

func (c *ChangeStreamsController) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := c.svc.CollectionStats(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, st)
}

// handleWatchSSE pushes change events over Server-Sent Events. Each event's
// SSE id is its resume token. A stream that fails after it started ends
// with an "error" event.
func (c *ChangeStreamsController) handleWatchSSE(w http.ResponseWriter, r *http.Request) {
	req, err := watchRequestFromQuery(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if last := r.Header.Get("Last-Event-ID"); last != "" && req.ResumeAfter == "" {
		req.ResumeAfter = resumetoken.Token(last)
	}
	sink := &sseSink{w: w, r: r}
	if err := c.svc.Watch(req, sink); err != nil {
		if !sink.started {
			writeErr(w, err)
			return
		}
		_ = sink.sendError(err)
	}
}
