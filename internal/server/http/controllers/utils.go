package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/rzbill/changeflo/internal/resumetoken"
	changestreamsvc "github.com/rzbill/changeflo/internal/services/changestreams"
	"github.com/rzbill/changeflo/internal/streamerr"
	"github.com/rzbill/changeflo/pkg/optime"
)

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(streamerr.HTTPError{Error: message})
}

// writeErr maps a service error to its status and kinded body.
func writeErr(w http.ResponseWriter, err error) {
	status, body := streamerr.ToHTTP(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeNoContent writes a 204 No Content response.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// parseLimit parses a limit string and returns a valid limit value.
//
// Returns 0 for empty strings or invalid values.
func parseLimit(limitStr string) int {
	if limitStr == "" {
		return 0
	}
	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
		return limit
	}
	return 0
}

// parseBool parses a boolean string and returns the boolean value.
//
// Returns true for "true" or "1", false otherwise.
func parseBool(s string) bool {
	return s == "true" || s == "1"
}

// parseMillis parses a non-negative millisecond duration.
func parseMillis(s string) time.Duration {
	if ms := parseLimit(s); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

// watchRequestFromQuery builds a watch request from the tenant path
// variable and query params: resumeAfter, startAtOperationTime,
// fromEarliest, db, coll, filter, batchSize.
func watchRequestFromQuery(r *http.Request) (changestreamsvc.WatchRequest, error) {
	q := r.URL.Query()
	req := changestreamsvc.WatchRequest{
		Tenant:       mux.Vars(r)["tenant"],
		ResumeAfter:  resumetoken.Token(q.Get("resumeAfter")),
		FromEarliest: parseBool(q.Get("fromEarliest")),
		DB:           q.Get("db"),
		Coll:         q.Get("coll"),
		Filter:       q.Get("filter"),
		BatchSize:    parseLimit(q.Get("batchSize")),
	}
	if at := q.Get("startAtOperationTime"); at != "" {
		ts, err := optime.Parse(at)
		if err != nil {
			return req, streamerr.InvalidOptions("startAtOperationTime: %v", err)
		}
		req.StartAtOperationTime = ts
	}
	return req, nil
}
