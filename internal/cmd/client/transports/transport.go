// Package transports provides pluggable transport implementations for the CLI.
package transports

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/lifecycle"
	"github.com/rzbill/changeflo/internal/oplog"
	grpcserver "github.com/rzbill/changeflo/internal/server/grpc"
	changestreamsvc "github.com/rzbill/changeflo/internal/services/changestreams"
)

// ChangeStreamsTransport abstracts the transport used by the CLI.
type ChangeStreamsTransport interface {
	SetChangeStreamState(ctx context.Context, tenant string, enabled bool) (lifecycle.State, error)
	ChangeStreamState(ctx context.Context, tenant string) (lifecycle.State, error)
	Ingest(ctx context.Context, tenant string, ops []oplog.Op) (changestreamsvc.IngestResult, error)
	OpenCursor(ctx context.Context, req changestreamsvc.WatchRequest) (changestreamsvc.CursorBatch, error)
	GetMore(ctx context.Context, tenant, id string, batchSize int, maxAwait time.Duration) (changestreamsvc.CursorBatch, error)
	KillCursor(ctx context.Context, tenant, id string) error
	CollectionStats(ctx context.Context, tenant string) (changecoll.Stats, error)
	Watch(ctx context.Context, req changestreamsvc.WatchRequest, fn func(changestream.Document) error) error
}

// GrpcTransport implements ChangeStreamsTransport over gRPC, dialing once
// per call.
type GrpcTransport struct {
	dial func(ctx context.Context) (*grpc.ClientConn, error)
}

// NewGrpcTransport constructs a new GrpcTransport using the provided dialer.
func NewGrpcTransport(dial func(ctx context.Context) (*grpc.ClientConn, error)) *GrpcTransport {
	return &GrpcTransport{dial: dial}
}

func (t *GrpcTransport) withClient(ctx context.Context, fn func(cli *grpcserver.Client) error) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return fn(grpcserver.NewClient(conn))
}

func (t *GrpcTransport) SetChangeStreamState(ctx context.Context, tenant string, enabled bool) (st lifecycle.State, err error) {
	err = t.withClient(ctx, func(cli *grpcserver.Client) error {
		st, err = cli.SetChangeStreamState(ctx, tenant, enabled)
		return err
	})
	return st, err
}

func (t *GrpcTransport) ChangeStreamState(ctx context.Context, tenant string) (st lifecycle.State, err error) {
	err = t.withClient(ctx, func(cli *grpcserver.Client) error {
		st, err = cli.ChangeStreamState(ctx, tenant)
		return err
	})
	return st, err
}

func (t *GrpcTransport) Ingest(ctx context.Context, tenant string, ops []oplog.Op) (res changestreamsvc.IngestResult, err error) {
	err = t.withClient(ctx, func(cli *grpcserver.Client) error {
		res, err = cli.Ingest(ctx, tenant, ops)
		return err
	})
	return res, err
}

func (t *GrpcTransport) OpenCursor(ctx context.Context, req changestreamsvc.WatchRequest) (b changestreamsvc.CursorBatch, err error) {
	err = t.withClient(ctx, func(cli *grpcserver.Client) error {
		b, err = cli.OpenCursor(ctx, req)
		return err
	})
	return b, err
}

func (t *GrpcTransport) GetMore(ctx context.Context, tenant, id string, batchSize int, maxAwait time.Duration) (b changestreamsvc.CursorBatch, err error) {
	err = t.withClient(ctx, func(cli *grpcserver.Client) error {
		b, err = cli.GetMore(ctx, tenant, id, batchSize, maxAwait)
		return err
	})
	return b, err
}

func (t *GrpcTransport) KillCursor(ctx context.Context, tenant, id string) error {
	return t.withClient(ctx, func(cli *grpcserver.Client) error {
		return cli.KillCursor(ctx, tenant, id)
	})
}

func (t *GrpcTransport) CollectionStats(ctx context.Context, tenant string) (st changecoll.Stats, err error) {
	err = t.withClient(ctx, func(cli *grpcserver.Client) error {
		st, err = cli.CollectionStats(ctx, tenant)
		return err
	})
	return st, err
}

// Watch streams documents and invokes fn for each.
func (t *GrpcTransport) Watch(ctx context.Context, req changestreamsvc.WatchRequest, fn func(changestream.Document) error) error {
	return t.withClient(ctx, func(cli *grpcserver.Client) error {
		return cli.Watch(ctx, req, fn)
	})
}
