package controllers

import (
	"github.com/rzbill/changeflo/internal/oplog"
)

// Common request/response types for HTTP controllers

// stateReq toggles change streams for a tenant.
type stateReq struct {
	Enabled bool `json:"enabled"`
}

// ingestReq carries the ops of one transaction.
type ingestReq struct {
	Ops []oplog.Op `json:"ops"`
}

// getMoreReq asks for the next batch of a cursor.
type getMoreReq struct {
	BatchSize  int `json:"batchSize"`
	MaxAwaitMS int `json:"maxAwaitTimeMS"`
}
