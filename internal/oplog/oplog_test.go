package oplog

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/juju/clock/testclock"

	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/pkg/optime"
)

func openTestLog(t *testing.T) (*Log, *pebblestore.DB, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	l, err := Open(db, optime.NewClock(testclock.NewClock(time.Unix(1000, 0))), nil)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return l, db, dir
}

func insert(tenant, coll string, id int) Entry {
	return Entry{Tenant: tenant, Ops: []Op{{
		Type:        OpInsert,
		NS:          Namespace{DB: "app", Coll: coll},
		DocumentKey: map[string]interface{}{"_id": id},
		Document:    map[string]interface{}{"_id": id},
	}}}
}

func TestAppendAssignsIncreasingTimestamps(t *testing.T) {
	l, _, _ := openTestLog(t)
	ctx := context.Background()
	tss, err := l.Append(ctx, insert("t1", "c", 1), insert("t2", "c", 2), insert("t1", "c", 3))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	for i := 1; i < len(tss); i++ {
		if tss[i] <= tss[i-1] {
			t.Fatalf("timestamps not increasing: %v", tss)
		}
	}
	if got := l.CurrentClusterTime(); got != tss[2] {
		t.Fatalf("cluster time %s want %s", got, tss[2])
	}

	entries, err := l.ReadRange(ctx, tss[0], 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 || entries[0].Tenant != "t2" || entries[1].Tenant != "t1" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[1].Ops[0].NS.Coll != "c" || entries[1].Ts != tss[2] {
		t.Fatalf("entry not decoded: %+v", entries[1])
	}

	limited, err := l.ReadRange(ctx, 0, 1)
	if err != nil || len(limited) != 1 || limited[0].Ts != tss[0] {
		t.Fatalf("limited read: %+v %v", limited, err)
	}
}

func TestAppendValidation(t *testing.T) {
	l, _, _ := openTestLog(t)
	ctx := context.Background()
	bad := []Entry{
		{Ops: []Op{{Type: OpInsert, NS: Namespace{DB: "a", Coll: "b"}}}},
		{Tenant: "t"},
		{Tenant: "t", Ops: []Op{{Type: "upsert", NS: Namespace{DB: "a", Coll: "b"}}}},
		{Tenant: "t", Ops: []Op{{Type: OpEnableChangeStream}, {Type: OpInsert, NS: Namespace{DB: "a", Coll: "b"}}}},
		{Tenant: "t", Ops: []Op{{Type: OpRename, NS: Namespace{DB: "a", Coll: "b"}}}},
		{Tenant: "t", Ops: []Op{{Type: OpInsert, NS: Namespace{DB: "a"}}}},
	}
	for i, e := range bad {
		if _, err := l.Append(ctx, e); err == nil {
			t.Fatalf("entry %d: expected validation error", i)
		}
	}
	if !l.CurrentClusterTime().IsZero() {
		t.Fatalf("rejected entries advanced the cluster time")
	}
}

func TestReopenKeepsClusterTime(t *testing.T) {
	l, db, _ := openTestLog(t)
	tss, err := l.Append(context.Background(), insert("t1", "c", 1))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	clk := optime.NewClock(testclock.NewClock(time.Unix(10, 0)))
	l2, err := Open(db, clk, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if l2.CurrentClusterTime() != tss[0] {
		t.Fatalf("cluster time lost on reopen")
	}
	more, err := l2.Append(context.Background(), insert("t1", "c", 2))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if more[0] <= tss[0] {
		t.Fatalf("timestamp regressed after reopen: %s <= %s", more[0], tss[0])
	}
}

func TestWaitForAppend(t *testing.T) {
	l, _, _ := openTestLog(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.WaitForAppend(ctx, l.CurrentClusterTime()) }()
	time.Sleep(10 * time.Millisecond)
	if _, err := l.Append(ctx, insert("t1", "c", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("wait: %v", err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if err := l.WaitForAppend(short, l.CurrentClusterTime()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestTruncateBefore(t *testing.T) {
	l, _, _ := openTestLog(t)
	ctx := context.Background()
	tss, err := l.Append(ctx, insert("t1", "c", 1), insert("t1", "c", 2), insert("t1", "c", 3))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.TruncateBefore(ctx, tss[2]); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	first, ok := l.FirstTimestamp()
	if !ok || first != tss[2] {
		t.Fatalf("first=%s ok=%v want %s", first, ok, tss[2])
	}
	if _, err := l.ReadRange(ctx, tss[0], 0); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	entries, err := l.ReadRange(ctx, tss[1], 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("read after watermark: %+v %v", entries, err)
	}
}
