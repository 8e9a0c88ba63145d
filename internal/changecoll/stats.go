package changecoll

import (
	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/pkg/optime"
)

// Stats summarizes one incarnation.
type Stats struct {
	Tenant           string           `json:"tenant"`
	Epoch            uint64           `json:"epoch"`
	StartTs          optime.Timestamp `json:"startTs"`
	First            *Position        `json:"first,omitempty"`
	Last             *Position        `json:"last,omitempty"`
	TruncatedThrough *Position        `json:"truncatedThrough,omitempty"`
	Events           int64            `json:"events"`
	Bytes            int64            `json:"bytes"`
	Pins             int              `json:"pins"`
}

// Stats returns counters and bounds of the retained events.
func (c *Collection) Stats() (Stats, error) {
	c.mu.Lock()
	st := Stats{
		Tenant:  c.tenant,
		Epoch:   c.epoch,
		StartTs: c.startTs,
		Events:  c.appended.events - c.removed.events,
		Bytes:   c.appended.bytes - c.removed.bytes,
		Pins:    len(c.pins),
	}
	if !c.appended.pos.IsZero() {
		last := c.appended.pos
		st.Last = &last
	}
	if !c.removed.pos.IsZero() {
		tr := c.removed.pos
		st.TruncatedThrough = &tr
	}
	c.mu.Unlock()

	iter, err := c.store.db.NewIter(pebblestore.PrefixBounds(keyEventPrefix(c.prefix)))
	if err != nil {
		return st, err
	}
	defer iter.Close()
	if iter.First() {
		first := posFromKey(iter.Key())
		st.First = &first
	}
	return st, iter.Error()
}

// FirstRetained returns the oldest retained event position.
func (c *Collection) FirstRetained() (Position, bool) {
	st, err := c.Stats()
	if err != nil || st.First == nil {
		return Position{}, false
	}
	return *st.First, true
}
