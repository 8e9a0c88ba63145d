package changecoll

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/changeflo/internal/oplog"
	"github.com/rzbill/changeflo/internal/record"
	"github.com/rzbill/changeflo/pkg/optime"
)

// Event is an immutable change event of one incarnation.
type Event struct {
	Tenant string           `json:"tenant"`
	Epoch  uint64           `json:"epoch"`
	Ts     optime.Timestamp `json:"clusterTime"`
	Ord    uint32           `json:"ord"`

	OpType            oplog.OpType           `json:"operationType"`
	NS                oplog.Namespace        `json:"ns"`
	To                *oplog.Namespace       `json:"to,omitempty"`
	DocumentKey       map[string]interface{} `json:"documentKey,omitempty"`
	FullDocument      map[string]interface{} `json:"fullDocument,omitempty"`
	UpdateDescription map[string]interface{} `json:"updateDescription,omitempty"`
}

// Position returns the event's place in its incarnation.
func (e Event) Position() Position { return Position{Ts: e.Ts, Ord: e.Ord} }

// WallTime approximates the commit wall time from the cluster time.
func (e Event) WallTime() time.Time { return e.Ts.Time() }

// IsInvalidate reports whether the event ends streams watching ns.
func (e Event) IsInvalidate() bool {
	switch e.OpType {
	case oplog.OpDrop, oplog.OpDropDatabase, oplog.OpRename:
		return true
	}
	return false
}

type eventBody struct {
	NS                oplog.Namespace        `json:"ns"`
	To                *oplog.Namespace       `json:"to,omitempty"`
	DocumentKey       map[string]interface{} `json:"documentKey,omitempty"`
	FullDocument      map[string]interface{} `json:"fullDocument,omitempty"`
	UpdateDescription map[string]interface{} `json:"updateDescription,omitempty"`
}

func encodeOp(op oplog.Op) ([]byte, error) {
	body := eventBody{NS: op.NS, To: op.To, DocumentKey: op.DocumentKey}
	switch op.Type {
	case oplog.OpInsert, oplog.OpReplace:
		body.FullDocument = op.Document
	case oplog.OpUpdate:
		body.UpdateDescription = op.Document
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode event")
	}
	return record.Encode([]byte(op.Type), payload), nil
}

func decodeEvent(tenant string, epoch uint64, pos Position, val []byte) (Event, error) {
	dec, ok := record.Decode(val)
	if !ok {
		return Event{}, errors.Newf("corrupt event %s/%d@%s", tenant, epoch, pos)
	}
	var body eventBody
	if err := json.Unmarshal(dec.Payload, &body); err != nil {
		return Event{}, errors.Wrapf(err, "decode event %s/%d@%s", tenant, epoch, pos)
	}
	return Event{
		Tenant:            tenant,
		Epoch:             epoch,
		Ts:                pos.Ts,
		Ord:               pos.Ord,
		OpType:            oplog.OpType(dec.Header),
		NS:                body.NS,
		To:                body.To,
		DocumentKey:       body.DocumentKey,
		FullDocument:      body.FullDocument,
		UpdateDescription: body.UpdateDescription,
	}, nil
}
