package optime

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/juju/clock"
)

// Timestamp is a logical cluster time: [32 bits unix seconds][32 bits increment].
type Timestamp uint64

// Zero is the timestamp before every other timestamp.
const Zero Timestamp = 0

// New builds a timestamp from its seconds and increment parts.
func New(secs, inc uint32) Timestamp { return Timestamp(uint64(secs)<<32 | uint64(inc)) }

// FromTime returns the first timestamp of the second containing t.
func FromTime(t time.Time) Timestamp {
	s := t.Unix()
	if s < 0 {
		return Zero
	}
	if s > math.MaxUint32 {
		s = math.MaxUint32
	}
	return New(uint32(s), 0)
}

// Secs returns the seconds part.
func (t Timestamp) Secs() uint32 { return uint32(t >> 32) }

// Inc returns the increment part.
func (t Timestamp) Inc() uint32 { return uint32(t) }

// Time returns the wall time of the seconds part.
func (t Timestamp) Time() time.Time { return time.Unix(int64(t.Secs()), 0) }

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool { return t == Zero }

// Prev returns the timestamp immediately before t. Prev of Zero is Zero.
func (t Timestamp) Prev() Timestamp {
	if t == Zero {
		return Zero
	}
	return t - 1
}

// Bytes returns the 8-byte big-endian representation.
func (t Timestamp) Bytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t))
	return b[:]
}

// FromBytes decodes an 8-byte big-endian timestamp.
func FromBytes(b []byte) (Timestamp, bool) {
	if len(b) < 8 {
		return Zero, false
	}
	return Timestamp(binary.BigEndian.Uint64(b[:8])), true
}

// String renders the timestamp as "secs.inc".
func (t Timestamp) String() string {
	return strconv.FormatUint(uint64(t.Secs()), 10) + "." + strconv.FormatUint(uint64(t.Inc()), 10)
}

// MarshalText renders the "secs.inc" form.
func (t Timestamp) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText accepts any form Parse does.
func (t *Timestamp) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Parse accepts "secs.inc" or a bare uint64.
func Parse(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if secs, inc, ok := strings.Cut(s, "."); ok {
		sv, err := strconv.ParseUint(secs, 10, 32)
		if err != nil {
			return Zero, errors.Wrapf(err, "optime: invalid seconds %q", secs)
		}
		iv, err := strconv.ParseUint(inc, 10, 32)
		if err != nil {
			return Zero, errors.Wrapf(err, "optime: invalid increment %q", inc)
		}
		return New(uint32(sv), uint32(iv)), nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Zero, errors.Wrapf(err, "optime: invalid timestamp %q", s)
	}
	return Timestamp(v), nil
}

// Clock produces strictly increasing timestamps per process.
type Clock struct {
	clk clock.Clock

	mu   sync.Mutex
	last Timestamp
}

// NewClock creates a Clock reading wall time from clk.
func NewClock(clk clock.Clock) *Clock {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Clock{clk: clk}
}

// Next returns a new timestamp greater than every timestamp issued or observed.
func (c *Clock) Next() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	secs := FromTime(c.clk.Now()).Secs()
	lastSecs := c.last.Secs()
	if secs < lastSecs {
		secs = lastSecs
	}

	var next Timestamp
	switch {
	case secs > lastSecs:
		next = New(secs, 1)
	case c.last.Inc() == math.MaxUint32:
		next = New(secs+1, 1)
	default:
		next = c.last + 1
	}
	c.last = next
	return next
}

// Now returns the last issued timestamp without advancing.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Observe advances the clock so that later timestamps exceed ts.
func (c *Clock) Observe(ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}
