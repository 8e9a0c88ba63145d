package grpcserver

import (
	"context"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/lifecycle"
	"github.com/rzbill/changeflo/internal/oplog"
	changestreamsvc "github.com/rzbill/changeflo/internal/services/changestreams"
	"github.com/rzbill/changeflo/internal/streamerr"
)

// Client calls the change streams service. Returned errors keep their
// change stream kind.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return streamerr.FromStatus(err)
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

// SetChangeStreamState enables or disables change streams for tenant.
func (c *Client) SetChangeStreamState(ctx context.Context, tenant string, enabled bool) (lifecycle.State, error) {
	var st lifecycle.State
	err := c.invoke(ctx, "SetChangeStreamState", tenantReq{Tenant: tenant, Enabled: enabled}, &st)
	return st, err
}

// ChangeStreamState returns the tenant's change stream state.
func (c *Client) ChangeStreamState(ctx context.Context, tenant string) (lifecycle.State, error) {
	var st lifecycle.State
	err := c.invoke(ctx, "GetChangeStreamState", tenantReq{Tenant: tenant}, &st)
	return st, err
}

// Ingest commits ops as one transaction of tenant.
func (c *Client) Ingest(ctx context.Context, tenant string, ops []oplog.Op) (changestreamsvc.IngestResult, error) {
	var res changestreamsvc.IngestResult
	err := c.invoke(ctx, "Ingest", ingestReq{Tenant: tenant, Ops: ops}, &res)
	return res, err
}

// OpenCursor opens a server-side cursor.
func (c *Client) OpenCursor(ctx context.Context, req changestreamsvc.WatchRequest) (changestreamsvc.CursorBatch, error) {
	var b changestreamsvc.CursorBatch
	err := c.invoke(ctx, "OpenCursor", req, &b)
	return b, err
}

// GetMore fetches the next batch of a server-side cursor.
func (c *Client) GetMore(ctx context.Context, tenant, id string, batchSize int, maxAwait time.Duration) (changestreamsvc.CursorBatch, error) {
	var b changestreamsvc.CursorBatch
	req := cursorReq{Tenant: tenant, ID: id, BatchSize: batchSize, MaxAwaitMS: int(maxAwait / time.Millisecond)}
	err := c.invoke(ctx, "GetMore", req, &b)
	return b, err
}

// KillCursor closes a server-side cursor.
func (c *Client) KillCursor(ctx context.Context, tenant, id string) error {
	return c.invoke(ctx, "KillCursor", cursorReq{Tenant: tenant, ID: id}, nil)
}

// CollectionStats returns the tenant's change collection stats.
func (c *Client) CollectionStats(ctx context.Context, tenant string) (changecoll.Stats, error) {
	var st changecoll.Stats
	err := c.invoke(ctx, "CollectionStats", tenantReq{Tenant: tenant}, &st)
	return st, err
}

// Watch streams documents to fn until the stream ends, ctx is cancelled or
// fn returns an error. A stream closed by an invalidating event returns nil.
func (c *Client) Watch(ctx context.Context, req changestreamsvc.WatchRequest, fn func(changestream.Document) error) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Watch")
	if err != nil {
		return streamerr.FromStatus(err)
	}
	if err := stream.SendMsg(in); err != nil {
		return streamerr.FromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return streamerr.FromStatus(err)
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return streamerr.FromStatus(err)
		}
		var doc changestream.Document
		if err := fromStruct(msg, &doc); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
}
