package changestreamsvc

import (
	"context"

	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/resumetoken"
	"github.com/rzbill/changeflo/pkg/optime"
)

// WatchRequest opens a change stream.
type WatchRequest struct {
	Tenant               string            `json:"tenant"`
	ResumeAfter          resumetoken.Token `json:"resumeAfter,omitempty"`
	StartAtOperationTime optime.Timestamp  `json:"startAtOperationTime,omitempty"`
	FromEarliest         bool              `json:"fromEarliest,omitempty"`
	DB                   string            `json:"db,omitempty"`
	Coll                 string            `json:"coll,omitempty"`
	// Filter is an optional CEL expression evaluated per event.
	Filter    string `json:"filter,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
}

func (r WatchRequest) options(batch int) changestream.Options {
	return changestream.Options{
		ResumeAfter:          r.ResumeAfter,
		StartAtOperationTime: r.StartAtOperationTime,
		FromEarliest:         r.FromEarliest,
		Target:               changestream.Target{DB: r.DB, Coll: r.Coll},
		Filter:               r.Filter,
		BatchSize:            batch,
	}
}

// CursorBatch is one batch from a server-side cursor. CursorID is empty
// once the cursor is exhausted and closed.
type CursorBatch struct {
	CursorID             string                  `json:"id"`
	Tenant               string                  `json:"tenant"`
	Documents            []changestream.Document `json:"nextBatch"`
	PostBatchResumeToken resumetoken.Token       `json:"postBatchResumeToken"`
}

// WatchSink is implemented by transports to receive pushed documents.
type WatchSink interface {
	Send(changestream.Document) error
	Context() context.Context
	Flush() error
}

// IngestResult reports where an ingested transaction was committed.
type IngestResult struct {
	ClusterTime optime.Timestamp `json:"clusterTime"`
	Ops         int              `json:"ops"`
}
