package changecoll

import (
	"math"
	"strconv"

	"github.com/rzbill/changeflo/pkg/optime"
)

// TenantID identifies a tenant.
type TenantID = string

// Position orders events within an incarnation by (Ts, Ord).
type Position struct {
	Ts  optime.Timestamp `json:"ts"`
	Ord uint32           `json:"ord"`
}

// EndOf returns the last possible position at ts, so scanning from it skips
// every event committed at ts or before.
func EndOf(ts optime.Timestamp) Position {
	return Position{Ts: ts, Ord: math.MaxUint32}
}

// Compare returns -1, 0 or 1.
func (p Position) Compare(o Position) int {
	switch {
	case p.Ts < o.Ts:
		return -1
	case p.Ts > o.Ts:
		return 1
	case p.Ord < o.Ord:
		return -1
	case p.Ord > o.Ord:
		return 1
	}
	return 0
}

// Less reports p < o.
func (p Position) Less(o Position) bool { return p.Compare(o) < 0 }

// Next returns the smallest position greater than p.
func (p Position) Next() Position {
	if p.Ord == math.MaxUint32 {
		return Position{Ts: p.Ts + 1}
	}
	return Position{Ts: p.Ts, Ord: p.Ord + 1}
}

func (p Position) IsZero() bool { return p.Ts.IsZero() && p.Ord == 0 }

func (p Position) String() string {
	return p.Ts.String() + "/" + strconv.FormatUint(uint64(p.Ord), 10)
}
