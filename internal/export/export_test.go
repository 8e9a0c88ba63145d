package export

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"
	"github.com/segmentio/kafka-go"

	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/oplog"
	"github.com/rzbill/changeflo/internal/resumetoken"
	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/internal/streamerr"
	"github.com/rzbill/changeflo/pkg/optime"
)

type fakeWriter struct {
	mu       sync.Mutex
	msgs     []kafka.Message
	failNext int
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failNext > 0 {
		w.failNext--
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type clusterClock struct{ ts optime.Timestamp }

func (c *clusterClock) CurrentClusterTime() optime.Timestamp { return c.ts }

type fixture struct {
	c       *qt.C
	ctx     context.Context
	db      *pebblestore.DB
	store   *changecoll.Store
	watcher *changestream.Watcher
}

func newFixture(t *testing.T) *fixture {
	c := qt.New(t)
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { _ = db.Close() })
	store, err := changecoll.Open(db, changecoll.Options{})
	c.Assert(err, qt.IsNil)
	codec, err := resumetoken.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	c.Assert(err, qt.IsNil)
	w := changestream.NewWatcher(store, &clusterClock{}, codec, changestream.WatcherOptions{})
	return &fixture{c: c, ctx: context.Background(), db: db, store: store, watcher: w}
}

func ts(inc uint32) optime.Timestamp { return optime.New(2000, inc) }

func (f *fixture) insert(tenant string, at optime.Timestamp, id int) {
	_, err := f.store.Append(f.ctx, tenant, at, oplog.Op{
		Type:        oplog.OpInsert,
		NS:          oplog.Namespace{DB: "app", Coll: "c"},
		DocumentKey: map[string]interface{}{"_id": float64(id)},
	})
	f.c.Assert(err, qt.IsNil)
}

func waitFor(c *qt.C, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExportAndResume(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Create(f.ctx, "t1", 1, ts(1))
	f.c.Assert(err, qt.IsNil)
	f.insert("t1", ts(2), 1)
	f.insert("t1", ts(3), 2)

	w := &fakeWriter{failNext: 1}
	ex := New(f.db, f.watcher, w, Options{Tenants: []string{"t1"}, BatchSize: 10})
	ex.Start()
	waitFor(f.c, func() bool { return len(w.messages()) == 2 })
	f.insert("t1", ts(4), 3)
	waitFor(f.c, func() bool { return len(w.messages()) == 3 })
	f.c.Assert(ex.Stop(), qt.IsNil)
	f.c.Assert(w.closed, qt.IsTrue)

	msgs := w.messages()
	for i, m := range msgs {
		f.c.Assert(string(m.Key), qt.Equals, "t1")
		var doc struct {
			ID          resumetoken.Token      `json:"_id"`
			OpType      string                 `json:"operationType"`
			DocumentKey map[string]interface{} `json:"documentKey"`
		}
		f.c.Assert(json.Unmarshal(m.Value, &doc), qt.IsNil)
		f.c.Assert(doc.OpType, qt.Equals, "insert")
		f.c.Assert(doc.DocumentKey["_id"], qt.Equals, float64(i+1))
		f.c.Assert(string(m.Headers[0].Value), qt.Equals, string(doc.ID))
	}

	ckpt, err := ex.Checkpoint("t1")
	f.c.Assert(err, qt.IsNil)
	f.c.Assert(string(ckpt), qt.Equals, string(msgs[2].Headers[0].Value))

	// A new exporter picks up after the checkpoint without duplicates.
	f.insert("t1", ts(5), 4)
	w2 := &fakeWriter{}
	ex2 := New(f.db, f.watcher, w2, Options{Tenants: []string{"t1"}})
	ex2.Start()
	waitFor(f.c, func() bool { return len(w2.messages()) == 1 })
	f.c.Assert(ex2.Stop(), qt.IsNil)
	var doc map[string]interface{}
	f.c.Assert(json.Unmarshal(w2.messages()[0].Value, &doc), qt.IsNil)
	f.c.Assert(doc["documentKey"], qt.DeepEquals, map[string]interface{}{"_id": float64(4)})
}

func TestDisableStopsExporter(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Create(f.ctx, "t1", 1, ts(1))
	f.c.Assert(err, qt.IsNil)
	f.insert("t1", ts(2), 1)

	w := &fakeWriter{}
	ex := New(f.db, f.watcher, w, Options{Tenants: []string{"t1"}})
	ex.Start()
	waitFor(f.c, func() bool { return len(w.messages()) == 1 })
	f.c.Assert(f.store.Destroy(f.ctx, "t1", 1, ts(3)), qt.IsNil)

	select {
	case <-ex.Dead():
	case <-time.After(5 * time.Second):
		f.c.Fatal("exporter kept running after disable")
	}
	f.c.Assert(streamerr.Is(ex.Err(), streamerr.KindQueryPlanKilled), qt.IsTrue)
	f.c.Assert(streamerr.Is(ex.Stop(), streamerr.KindQueryPlanKilled), qt.IsTrue)
}

func TestWaitsForTenantToBeEnabled(t *testing.T) {
	f := newFixture(t)
	clk := testclock.NewClock(time.Unix(0, 0))
	w := &fakeWriter{}
	ex := New(f.db, f.watcher, w, Options{Tenants: []string{"t1"}, Clock: clk, IdleRetry: time.Second})
	ex.Start()
	defer ex.Stop()

	f.c.Assert(clk.WaitAdvance(0, time.Second, 1), qt.IsNil)
	_, err := f.store.Create(f.ctx, "t1", 1, ts(1))
	f.c.Assert(err, qt.IsNil)
	f.insert("t1", ts(2), 1)
	f.c.Assert(clk.WaitAdvance(time.Second, time.Second, 1), qt.IsNil)
	waitFor(f.c, func() bool { return len(w.messages()) == 1 })
}
