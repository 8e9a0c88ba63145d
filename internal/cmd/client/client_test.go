package client

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/cmd/client/transports"
	"github.com/rzbill/changeflo/internal/lifecycle"
	"github.com/rzbill/changeflo/internal/oplog"
	"github.com/rzbill/changeflo/internal/resumetoken"
	changestreamsvc "github.com/rzbill/changeflo/internal/services/changestreams"
	"github.com/rzbill/changeflo/pkg/optime"
)

type fakeTransport struct {
	enabled  map[string]bool
	ingested []oplog.Op
	watchReq changestreamsvc.WatchRequest
	getMore  struct {
		id   string
		wait time.Duration
	}
	killed string
	docs   []changestream.Document
}

func (f *fakeTransport) SetChangeStreamState(_ context.Context, tenant string, enabled bool) (lifecycle.State, error) {
	if f.enabled == nil {
		f.enabled = map[string]bool{}
	}
	f.enabled[tenant] = enabled
	return lifecycle.State{Tenant: tenant, Enabled: enabled, Epoch: 1}, nil
}

func (f *fakeTransport) ChangeStreamState(_ context.Context, tenant string) (lifecycle.State, error) {
	return lifecycle.State{Tenant: tenant, Enabled: f.enabled[tenant]}, nil
}

func (f *fakeTransport) Ingest(_ context.Context, _ string, ops []oplog.Op) (changestreamsvc.IngestResult, error) {
	f.ingested = append(f.ingested, ops...)
	return changestreamsvc.IngestResult{ClusterTime: optime.New(10, 1), Ops: len(ops)}, nil
}

func (f *fakeTransport) OpenCursor(_ context.Context, req changestreamsvc.WatchRequest) (changestreamsvc.CursorBatch, error) {
	f.watchReq = req
	return changestreamsvc.CursorBatch{CursorID: "c1", Tenant: req.Tenant}, nil
}

func (f *fakeTransport) GetMore(_ context.Context, tenant, id string, _ int, wait time.Duration) (changestreamsvc.CursorBatch, error) {
	f.getMore.id, f.getMore.wait = id, wait
	return changestreamsvc.CursorBatch{CursorID: id, Tenant: tenant}, nil
}

func (f *fakeTransport) KillCursor(_ context.Context, _, id string) error {
	f.killed = id
	return nil
}

func (f *fakeTransport) CollectionStats(_ context.Context, tenant string) (changecoll.Stats, error) {
	return changecoll.Stats{Tenant: tenant, Events: int64(len(f.ingested))}, nil
}

func (f *fakeTransport) Watch(_ context.Context, req changestreamsvc.WatchRequest, fn func(changestream.Document) error) error {
	f.watchReq = req
	for _, d := range f.docs {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func withFakeTransport(t *testing.T) *fakeTransport {
	t.Helper()
	f := &fakeTransport{}
	prev := getTransport
	getTransport = func() transports.ChangeStreamsTransport { return f }
	t.Cleanup(func() { getTransport = prev })
	return f
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	root := NewRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestTenantEnableAndStatus(t *testing.T) {
	withFakeTransport(t)
	var st lifecycle.State
	if err := json.Unmarshal([]byte(run(t, "tenant", "enable", "--tenant", "acme")), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Enabled || st.Tenant != "acme" {
		t.Fatalf("unexpected state %+v", st)
	}
	out := run(t, "tenant", "status", "-t", "acme")
	if !strings.Contains(out, `"enabled": true`) {
		t.Fatalf("status output %q", out)
	}
}

func TestIngestFromFlags(t *testing.T) {
	f := withFakeTransport(t)
	run(t, "ingest", "-t", "acme", "--op", "insert", "--db", "shop", "--coll", "orders",
		"--key", `{"_id":1}`, "--doc", `{"_id":1,"qty":3}`)
	if len(f.ingested) != 1 {
		t.Fatalf("expected 1 op, got %d", len(f.ingested))
	}
	op := f.ingested[0]
	if op.Type != oplog.OpInsert || op.NS.String() != "shop.orders" || op.Document["qty"] != float64(3) {
		t.Fatalf("unexpected op %+v", op)
	}
}

func TestIngestFromStdin(t *testing.T) {
	f := withFakeTransport(t)
	root := NewRoot()
	root.SetIn(strings.NewReader(`[{"op":"drop","ns":{"db":"shop","coll":"a"}},{"op":"rename","ns":{"db":"shop","coll":"b"},"to":{"db":"shop","coll":"c"}}]`))
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"ingest", "-t", "acme", "--file", "-"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(f.ingested) != 2 || f.ingested[1].To == nil || f.ingested[1].To.Coll != "c" {
		t.Fatalf("unexpected ops %+v", f.ingested)
	}
}

func TestIngestRejectsBadJSON(t *testing.T) {
	withFakeTransport(t)
	root := NewRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"ingest", "-t", "acme", "--doc", "{"})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatalf("expected error for malformed --doc")
	}
}

func TestWatchPrintsLinesAndHonorsLimit(t *testing.T) {
	f := withFakeTransport(t)
	for i := 0; i < 3; i++ {
		f.docs = append(f.docs, changestream.Document{ID: resumetoken.Token("tok" + string(rune('a'+i)))})
	}
	out := run(t, "watch", "-t", "acme", "--db", "shop", "--start-at", "100.2", "--limit", "2")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	if f.watchReq.DB != "shop" || f.watchReq.StartAtOperationTime != optime.New(100, 2) {
		t.Fatalf("unexpected request %+v", f.watchReq)
	}
}

func TestWatchStartAtRFC3339(t *testing.T) {
	f := withFakeTransport(t)
	run(t, "watch", "-t", "acme", "--start-at", "2025-01-01T00:00:00Z")
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	if got := int64(f.watchReq.StartAtOperationTime.Secs()); got != want {
		t.Fatalf("expected secs %d, got %d", want, got)
	}
}

func TestWatchRejectsBadStartAt(t *testing.T) {
	withFakeTransport(t)
	root := NewRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"watch", "-t", "acme", "--start-at", "yesterday"})
	err := root.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid --start-at") {
		t.Fatalf("expected --start-at error, got %v", err)
	}
}

func TestCursorCommands(t *testing.T) {
	f := withFakeTransport(t)
	out := run(t, "cursor", "open", "-t", "acme", "--from-earliest")
	if !f.watchReq.FromEarliest || !strings.Contains(out, `"id": "c1"`) {
		t.Fatalf("open: req=%+v out=%q", f.watchReq, out)
	}
	run(t, "cursor", "next", "-t", "acme", "--id", "c1", "--max-await", "250ms")
	if f.getMore.id != "c1" || f.getMore.wait != 250*time.Millisecond {
		t.Fatalf("next: %+v", f.getMore)
	}
	run(t, "cursor", "kill", "-t", "acme", "--id", "c1")
	if f.killed != "c1" {
		t.Fatalf("kill: %q", f.killed)
	}
}
