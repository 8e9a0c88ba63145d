package retention

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"

	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/oplog"
	"github.com/rzbill/changeflo/internal/resumetoken"
	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/pkg/optime"
)

type fixture struct {
	c     *qt.C
	ctx   context.Context
	clock *testclock.Clock
	db    *pebblestore.DB
	store *changecoll.Store
}

func newFixture(t *testing.T) *fixture {
	c := qt.New(t)
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { _ = db.Close() })
	clk := testclock.NewClock(time.Unix(1000, 0))
	store, err := changecoll.Open(db, changecoll.Options{Clock: clk})
	c.Assert(err, qt.IsNil)
	return &fixture{c: c, ctx: context.Background(), clock: clk, db: db, store: store}
}

func (f *fixture) collection(tenant string, secs ...uint32) *changecoll.Collection {
	coll, err := f.store.Create(f.ctx, tenant, 1, optime.New(900, 0))
	f.c.Assert(err, qt.IsNil)
	for _, s := range secs {
		_, err := f.store.Append(f.ctx, tenant, optime.New(s, 0), oplog.Op{
			Type:        oplog.OpInsert,
			NS:          oplog.Namespace{DB: "app", Coll: "c"},
			DocumentKey: map[string]interface{}{"_id": float64(s)},
			Document:    map[string]interface{}{"_id": float64(s), "pad": "0123456789"},
		})
		f.c.Assert(err, qt.IsNil)
	}
	return coll
}

func first(c *qt.C, coll *changecoll.Collection) optime.Timestamp {
	pos, ok := coll.FirstRetained()
	c.Assert(ok, qt.IsTrue)
	return pos.Ts
}

func TestExpireAfter(t *testing.T) {
	f := newFixture(t)
	coll := f.collection("t1", 1000, 1100, 1200)
	f.clock.Advance(250 * time.Second) // now = 1250

	w := New(f.store, nil, nil, Policy{ExpireAfter: 100 * time.Second}, Options{Clock: f.clock})
	rep, err := w.RunOnce(f.ctx)
	f.c.Assert(err, qt.IsNil)
	f.c.Assert(rep.Collections, qt.Equals, 1)
	f.c.Assert(rep.Events, qt.Equals, 2)
	f.c.Assert(first(f.c, coll), qt.Equals, optime.New(1200, 0))
	f.c.Assert(coll.TruncatedThrough(), qt.Equals, changecoll.Position{Ts: optime.New(1100, 0)})

	rep, err = w.RunOnce(f.ctx)
	f.c.Assert(err, qt.IsNil)
	f.c.Assert(rep.Events, qt.Equals, 0)
}

func TestLivePinCapsTruncation(t *testing.T) {
	f := newFixture(t)
	coll := f.collection("t1", 1000, 1100, 1200)
	coll.Pin("reader", changecoll.Position{Ts: optime.New(1000, 0)})
	f.clock.Advance(250 * time.Second)
	coll.Pin("fresh", changecoll.Position{Ts: optime.New(1000, 0)})

	policy := Policy{ExpireAfter: 100 * time.Second, SafetyMargin: time.Minute}
	w := New(f.store, nil, nil, policy, Options{Clock: f.clock})
	rep, err := w.RunOnce(f.ctx)
	f.c.Assert(err, qt.IsNil)
	f.c.Assert(rep.Events, qt.Equals, 1)
	f.c.Assert(first(f.c, coll), qt.Equals, optime.New(1100, 0))

	// Once the pin ages past the margin it no longer holds history back.
	f.clock.Advance(2 * time.Minute)
	rep, err = w.RunOnce(f.ctx)
	f.c.Assert(err, qt.IsNil)
	f.c.Assert(rep.Events, qt.Equals, 2)
}

type stoppedClock struct{ ts optime.Timestamp }

func (s stoppedClock) CurrentClusterTime() optime.Timestamp { return s.ts }

func TestCursorPinKeepsUnreadBufferedEvents(t *testing.T) {
	f := newFixture(t)
	f.collection("t1", 1000, 1001, 1002, 1003, 1004)
	f.clock.Advance(250 * time.Second)

	codec, err := resumetoken.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	f.c.Assert(err, qt.IsNil)
	watcher := changestream.NewWatcher(f.store, stoppedClock{optime.New(1004, 0)}, codec, changestream.WatcherOptions{})
	cur, err := watcher.Open(f.ctx, "t1", changestream.Options{FromEarliest: true})
	f.c.Assert(err, qt.IsNil)
	defer cur.Close()

	// The first read buffers all five events but emits only one.
	ev, err := cur.TryNext(f.ctx)
	f.c.Assert(err, qt.IsNil)
	f.c.Assert(ev.Ts, qt.Equals, optime.New(1000, 0))
	tok := cur.ResumeToken()

	policy := Policy{ExpireAfter: 10 * time.Second, SafetyMargin: time.Minute}
	w := New(f.store, nil, nil, policy, Options{Clock: f.clock})
	rep, err := w.RunOnce(f.ctx)
	f.c.Assert(err, qt.IsNil)
	f.c.Assert(rep.Events, qt.Equals, 1)
	f.c.Assert(cur.Close(), qt.IsNil)

	resumed, err := watcher.Open(f.ctx, "t1", changestream.Options{ResumeAfter: tok})
	f.c.Assert(err, qt.IsNil)
	defer resumed.Close()
	var got []optime.Timestamp
	for {
		ev, err := resumed.TryNext(f.ctx)
		f.c.Assert(err, qt.IsNil)
		if ev == nil {
			break
		}
		got = append(got, ev.Ts)
	}
	f.c.Assert(got, qt.DeepEquals, []optime.Timestamp{
		optime.New(1001, 0), optime.New(1002, 0), optime.New(1003, 0), optime.New(1004, 0),
	})
}

func TestZeroSafetyMarginIsEager(t *testing.T) {
	f := newFixture(t)
	coll := f.collection("t1", 1000, 1100)
	f.clock.Advance(250 * time.Second)
	coll.Pin("reader", changecoll.Position{Ts: optime.New(900, 0)})

	w := New(f.store, nil, nil, Policy{ExpireAfter: time.Second}, Options{Clock: f.clock})
	rep, err := w.RunOnce(f.ctx)
	f.c.Assert(err, qt.IsNil)
	f.c.Assert(rep.Events, qt.Equals, 2)
	_, ok := coll.FirstRetained()
	f.c.Assert(ok, qt.IsFalse)
}

func TestMaxBytes(t *testing.T) {
	f := newFixture(t)
	coll := f.collection("t1", 1000, 1001, 1002, 1003)
	st, err := coll.Stats()
	f.c.Assert(err, qt.IsNil)
	per := st.Bytes / 4

	w := New(f.store, nil, nil, Policy{MaxBytes: per * 2}, Options{Clock: f.clock})
	rep, err := w.RunOnce(f.ctx)
	f.c.Assert(err, qt.IsNil)
	f.c.Assert(rep.Events, qt.Equals, 2)
	st, err = coll.Stats()
	f.c.Assert(err, qt.IsNil)
	f.c.Assert(st.Events, qt.Equals, int64(2))
	f.c.Assert(st.Bytes <= per*2, qt.IsTrue)
}

func TestBatchLimit(t *testing.T) {
	f := newFixture(t)
	coll := f.collection("t1", 1000, 1001, 1002, 1003)
	f.clock.Advance(time.Hour)
	w := New(f.store, nil, nil, Policy{ExpireAfter: time.Second, BatchLimit: 3}, Options{Clock: f.clock})
	rep, err := w.RunOnce(f.ctx)
	f.c.Assert(err, qt.IsNil)
	f.c.Assert(rep.Events, qt.Equals, 3)
	f.c.Assert(first(f.c, coll), qt.Equals, optime.New(1003, 0))
}

type fixedCheckpoint optime.Timestamp

func (c fixedCheckpoint) Checkpoint() optime.Timestamp { return optime.Timestamp(c) }

func TestOplogTruncationWaitsForCheckpoint(t *testing.T) {
	f := newFixture(t)
	ol, err := oplog.Open(f.db, optime.NewClock(f.clock), nil)
	f.c.Assert(err, qt.IsNil)
	var tss []optime.Timestamp
	for range 3 {
		got, err := ol.Append(f.ctx, oplog.Entry{Tenant: "t1", Ops: []oplog.Op{{
			Type: oplog.OpInsert, NS: oplog.Namespace{DB: "app", Coll: "c"},
		}}})
		f.c.Assert(err, qt.IsNil)
		tss = append(tss, got...)
		f.clock.Advance(10 * time.Second)
	}
	f.clock.Advance(time.Hour)

	w := New(f.store, ol, fixedCheckpoint(tss[1]), Policy{OplogExpireAfter: time.Minute}, Options{Clock: f.clock})
	rep, err := w.RunOnce(f.ctx)
	f.c.Assert(err, qt.IsNil)
	f.c.Assert(rep.OplogBefore, qt.Equals, tss[1])
	firstTs, ok := ol.FirstTimestamp()
	f.c.Assert(ok, qt.IsTrue)
	f.c.Assert(firstTs, qt.Equals, tss[1])
}

func TestBackgroundLoop(t *testing.T) {
	f := newFixture(t)
	coll := f.collection("t1", 1000, 1100)
	f.clock.Advance(time.Hour)

	w := New(f.store, nil, nil, Policy{ExpireAfter: time.Minute, Interval: time.Second}, Options{Clock: f.clock})
	w.Start()
	defer func() { f.c.Assert(w.Stop(), qt.IsNil) }()

	f.c.Assert(f.clock.WaitAdvance(time.Second, time.Second, 1), qt.IsNil)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := coll.FirstRetained(); !ok {
			return
		}
		if time.Now().After(deadline) {
			f.c.Fatal("background pass did not truncate")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
