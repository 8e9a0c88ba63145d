package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rzbill/changeflo/internal/changestream"
	cfgpkg "github.com/rzbill/changeflo/internal/config"
	"github.com/rzbill/changeflo/internal/oplog"
	"github.com/rzbill/changeflo/internal/runtime"
	changestreamsvc "github.com/rzbill/changeflo/internal/services/changestreams"
	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/internal/streamerr"
	logpkg "github.com/rzbill/changeflo/pkg/log"
)

const bufSize = 1 << 20

func dialer(s *grpc.Server) func(context.Context, string) (net.Conn, error) {
	lis := bufconn.Listen(bufSize)
	go func() { _ = s.Serve(lis) }()
	return func(ctx context.Context, s string) (net.Conn, error) { return lis.DialContext(ctx) }
}

func newClientForTest(t *testing.T) (*Client, *grpc.ClientConn) {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeAlways,
		Config:  cfgpkg.Default(),
		Logger:  logpkg.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	svc := changestreamsvc.New(rt)
	srv := New(rt, svc)
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer(srv.grpc)),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Close()
		_ = svc.Close()
		_ = rt.Close()
	})
	return NewClient(conn), conn
}

func insert(id string) oplog.Op {
	return oplog.Op{
		Type:        oplog.OpInsert,
		NS:          oplog.Namespace{DB: "app", Coll: "orders"},
		DocumentKey: map[string]interface{}{"_id": id},
	}
}

func TestHealthOverGRPC(t *testing.T) {
	_, conn := newClientForTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status: %v", res.GetStatus())
	}
}

func TestLifecycleAndCursorsOverGRPC(t *testing.T) {
	c, _ := newClientForTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.SetChangeStreamState(ctx, "t1", true)
	if err != nil || !st.Enabled || st.Epoch != 1 {
		t.Fatalf("enable: %+v %v", st, err)
	}
	if got, err := c.ChangeStreamState(ctx, "t1"); err != nil || got != st {
		t.Fatalf("state: %+v %v", got, err)
	}
	first, err := c.OpenCursor(ctx, changestreamsvc.WatchRequest{Tenant: "t1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := c.Ingest(ctx, "t1", []oplog.Op{insert("a"), insert("b")})
	if err != nil || res.Ops != 2 || res.ClusterTime.IsZero() {
		t.Fatalf("ingest: %+v %v", res, err)
	}
	b, err := c.GetMore(ctx, "t1", first.CursorID, 0, time.Second)
	if err != nil {
		t.Fatalf("getMore: %v", err)
	}
	if len(b.Documents) != 2 || b.Documents[1].DocumentKey["_id"] != "b" {
		t.Fatalf("unexpected batch: %+v", b.Documents)
	}
	if b.Documents[0].Ts != res.ClusterTime {
		t.Fatalf("cluster time lost in transit: %s vs %s", b.Documents[0].Ts, res.ClusterTime)
	}
	stats, err := c.CollectionStats(ctx, "t1")
	if err != nil || stats.Events != 2 {
		t.Fatalf("stats: %+v %v", stats, err)
	}
	if err := c.KillCursor(ctx, "t1", first.CursorID); err != nil {
		t.Fatalf("kill: %v", err)
	}
	_, err = c.GetMore(ctx, "t1", first.CursorID, 0, 0)
	if !streamerr.Is(err, streamerr.KindCursorNotFound) {
		t.Fatalf("want CursorNotFound, got %v", err)
	}
}

func TestErrorKindsOverGRPC(t *testing.T) {
	c, conn := newClientForTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.OpenCursor(ctx, changestreamsvc.WatchRequest{Tenant: "t1"})
	if !streamerr.Is(err, streamerr.KindNotEnabled) {
		t.Fatalf("want NotEnabled, got %v", err)
	}
	_, err = c.Ingest(ctx, "t1", []oplog.Op{{Type: oplog.OpDisableChangeStream}})
	if !streamerr.Is(err, streamerr.KindInvalidOptions) {
		t.Fatalf("want InvalidOptions, got %v", err)
	}

	// Raw calls see the mapped status code.
	err = conn.Invoke(ctx, "/"+ServiceName+"/CollectionStats", mustStruct(t, map[string]any{"tenant": "t1"}), mustStruct(t, map[string]any{}))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("code: %v", status.Code(err))
	}
}

func TestWatchOverGRPC(t *testing.T) {
	c, _ := newClientForTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.SetChangeStreamState(ctx, "t1", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := c.Ingest(ctx, "t1", []oplog.Op{insert("a")}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := c.Ingest(ctx, "t1", []oplog.Op{{Type: oplog.OpDrop, NS: oplog.Namespace{DB: "app", Coll: "orders"}}}); err != nil {
		t.Fatalf("ingest drop: %v", err)
	}
	var docs []changestream.Document
	err := c.Watch(ctx, changestreamsvc.WatchRequest{Tenant: "t1", FromEarliest: true, DB: "app", Coll: "orders"}, func(d changestream.Document) error {
		docs = append(docs, d)
		return nil
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(docs) != 2 || docs[1].OpType != oplog.OpDrop || docs[0].ID == "" {
		t.Fatalf("unexpected docs: %+v", docs)
	}

	// Resuming after the first document yields the drop only.
	after := docs[0].ID
	docs = nil
	err = c.Watch(ctx, changestreamsvc.WatchRequest{Tenant: "t1", ResumeAfter: after}, func(d changestream.Document) error {
		docs = append(docs, d)
		if d.OpType == oplog.OpDrop {
			cancel()
		}
		return nil
	})
	if len(docs) != 1 || docs[0].OpType != oplog.OpDrop {
		t.Fatalf("unexpected resumed docs: %+v (%v)", docs, err)
	}
}

func mustStruct(t *testing.T, v map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(v)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return s
}
