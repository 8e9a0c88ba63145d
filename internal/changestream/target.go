package changestream

import (
	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/oplog"
)

// Target selects which events of a tenant a cursor watches. The zero value
// watches every event of the tenant; DB alone watches one database; DB and
// Coll watch one collection.
type Target struct {
	DB   string `json:"db,omitempty"`
	Coll string `json:"coll,omitempty"`
}

// Matches reports whether ev concerns the target.
func (t Target) Matches(ev changecoll.Event) bool {
	switch {
	case t.DB == "":
		return true
	case ev.NS.DB != t.DB:
		return false
	case t.Coll == "":
		return true
	case ev.OpType == oplog.OpDropDatabase:
		return true
	}
	return ev.NS.Coll == t.Coll
}

// Invalidates reports whether ev ends a stream on the target: dropping or
// renaming a watched collection, or dropping the watched database.
func (t Target) Invalidates(ev changecoll.Event) bool {
	if t.DB == "" || ev.NS.DB != t.DB {
		return false
	}
	if ev.OpType == oplog.OpDropDatabase {
		return true
	}
	if t.Coll == "" {
		return false
	}
	return ev.NS.Coll == t.Coll && (ev.OpType == oplog.OpDrop || ev.OpType == oplog.OpRename)
}

func (t Target) String() string {
	switch {
	case t.DB == "":
		return "*"
	case t.Coll == "":
		return t.DB
	}
	return t.DB + "." + t.Coll
}
