package optime

import (
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
)

// regressingClock lets a test move wall time backwards.
type regressingClock struct {
	clock.Clock
	now time.Time
}

func (c *regressingClock) Now() time.Time { return c.now }

func TestOrderingMonotonic(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1000, 0))
	c := NewClock(clk)

	a := c.Next()
	b := c.Next()
	if a >= b {
		t.Fatalf("expected a<b: %s %s", a, b)
	}
	if a.Secs() != 1000 || a.Inc() != 1 {
		t.Fatalf("unexpected first timestamp %s", a)
	}
}

func TestClockRegressionGuard(t *testing.T) {
	clk := &regressingClock{Clock: testclock.NewClock(time.Unix(1000, 0)), now: time.Unix(1000, 0)}
	c := NewClock(clk)

	a := c.Next()
	clk.now = time.Unix(900, 0)
	b := c.Next()
	if a >= b {
		t.Fatalf("expected b>a despite clock regression: %s %s", a, b)
	}
}

func TestIncrementOverflowMovesSecond(t *testing.T) {
	clk := testclock.NewClock(time.Unix(2000, 0))
	c := NewClock(clk)
	c.Observe(New(2000, math.MaxUint32))

	ts := c.Next()
	if ts.Secs() != 2001 || ts.Inc() != 1 {
		t.Fatalf("expected 2001.1, got %s", ts)
	}
}

func TestObserveAdvancesClock(t *testing.T) {
	clk := testclock.NewClock(time.Unix(10, 0))
	c := NewClock(clk)
	c.Observe(New(50, 7))
	if got := c.Next(); got != New(50, 8) {
		t.Fatalf("expected 50.8, got %s", got)
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		in   string
		want Timestamp
	}{
		{"12.3", New(12, 3)},
		{" 0.0 ", Zero},
		{"4294967296", New(1, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tt.want {
				t.Fatalf("want %s, got %s", tt.want, got)
			}
		})
	}
	if _, err := Parse("x.1"); err == nil {
		t.Fatalf("expected error for invalid seconds")
	}
}

func TestParseErrorsKeepCause(t *testing.T) {
	for _, in := range []string{"x.1", "1.y", "nope"} {
		_, err := Parse(in)
		if !errors.Is(err, strconv.ErrSyntax) {
			t.Fatalf("%q: want strconv.ErrSyntax in chain, got %v", in, err)
		}
		if !strings.HasPrefix(err.Error(), "optime: invalid ") {
			t.Fatalf("%q: unexpected message %q", in, err)
		}
	}
}

func TestPrevAndBytes(t *testing.T) {
	if Zero.Prev() != Zero {
		t.Fatalf("prev of zero must be zero")
	}
	ts := New(3, 0)
	if ts.Prev() != New(2, math.MaxUint32) {
		t.Fatalf("unexpected prev %s", ts.Prev())
	}
	back, ok := FromBytes(ts.Bytes())
	if !ok || back != ts {
		t.Fatalf("bytes round trip failed")
	}
}

func TestTextRoundTrip(t *testing.T) {
	ts := New(1700000000, 42)
	b, err := ts.MarshalText()
	if err != nil || string(b) != "1700000000.42" {
		t.Fatalf("marshal=%q err=%v", b, err)
	}
	var back Timestamp
	if err := back.UnmarshalText(b); err != nil || back != ts {
		t.Fatalf("unmarshal=%v err=%v", back, err)
	}
	if err := back.UnmarshalText([]byte("x.y")); err == nil {
		t.Fatalf("expected parse error")
	}
}
