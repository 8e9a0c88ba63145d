package oplog

import (
	"github.com/cockroachdb/errors"

	"github.com/rzbill/changeflo/pkg/optime"
)

// OpType is the kind of mutation (or control action) carried by an op.
type OpType string

const (
	OpInsert       OpType = "insert"
	OpUpdate       OpType = "update"
	OpReplace      OpType = "replace"
	OpDelete       OpType = "delete"
	OpDrop         OpType = "drop"
	OpDropDatabase OpType = "dropDatabase"
	OpRename       OpType = "rename"

	// Control ops toggle change streams for the committing tenant. They are
	// applied by the demultiplexer in oplog order.
	OpEnableChangeStream  OpType = "enableChangeStream"
	OpDisableChangeStream OpType = "disableChangeStream"
)

// IsControl reports whether t is a lifecycle control op.
func (t OpType) IsControl() bool {
	return t == OpEnableChangeStream || t == OpDisableChangeStream
}

// Valid reports whether t is a known op type.
func (t OpType) Valid() bool {
	switch t {
	case OpInsert, OpUpdate, OpReplace, OpDelete, OpDrop, OpDropDatabase, OpRename,
		OpEnableChangeStream, OpDisableChangeStream:
		return true
	}
	return false
}

// Namespace addresses a database or one of its collections.
type Namespace struct {
	DB   string `json:"db"`
	Coll string `json:"coll,omitempty"`
}

func (n Namespace) String() string {
	if n.Coll == "" {
		return n.DB
	}
	return n.DB + "." + n.Coll
}

// Op is a single mutation inside an oplog entry.
type Op struct {
	Type        OpType                 `json:"op"`
	NS          Namespace              `json:"ns"`
	DocumentKey map[string]interface{} `json:"documentKey,omitempty"`
	// Document is the full document for insert/replace, or the update
	// description for update.
	Document map[string]interface{} `json:"o,omitempty"`
	// To is the rename target.
	To *Namespace `json:"to,omitempty"`
}

// Entry is one committed oplog record. All ops of an entry share its
// timestamp and belong to one tenant.
type Entry struct {
	Ts     optime.Timestamp `json:"ts"`
	Tenant string           `json:"tenant"`
	Ops    []Op             `json:"ops"`
}

// IsControl reports whether the entry is a lifecycle control entry.
func (e Entry) IsControl() bool {
	return len(e.Ops) == 1 && e.Ops[0].Type.IsControl()
}

// Validate checks the entry shape before it is committed.
func (e Entry) Validate() error {
	if e.Tenant == "" {
		return errors.New("oplog: entry tenant is required")
	}
	if len(e.Ops) == 0 {
		return errors.New("oplog: entry has no ops")
	}
	for i, op := range e.Ops {
		if !op.Type.Valid() {
			return errors.Newf("oplog: op %d has unknown type %q", i, op.Type)
		}
		if op.Type.IsControl() {
			if len(e.Ops) != 1 {
				return errors.New("oplog: control ops must be committed alone")
			}
			continue
		}
		if op.NS.DB == "" {
			return errors.Newf("oplog: op %d has no database", i)
		}
		switch op.Type {
		case OpInsert, OpUpdate, OpReplace, OpDelete, OpDrop:
			if op.NS.Coll == "" {
				return errors.Newf("oplog: %s op %d requires a collection", op.Type, i)
			}
		case OpRename:
			if op.NS.Coll == "" || op.To == nil || op.To.Coll == "" {
				return errors.Newf("oplog: rename op %d requires source and target collections", i)
			}
		}
	}
	return nil
}
