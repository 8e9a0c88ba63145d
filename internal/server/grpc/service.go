package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/oplog"
	changestreamsvc "github.com/rzbill/changeflo/internal/services/changestreams"
	"github.com/rzbill/changeflo/internal/streamerr"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "changeflo.v1.ChangeStreams"

// ChangeStreamsServer is the server API of the change streams service.
// Messages are google.protobuf.Struct values with the same JSON shape as
// the HTTP gateway bodies.
type ChangeStreamsServer interface {
	SetChangeStreamState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetChangeStreamState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Ingest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenCursor(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	KillCursor(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CollectionStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

func unaryHandler(name string, call func(ChangeStreamsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChangeStreamsServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ChangeStreamsServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChangeStreamsServer).Watch(in, stream)
}

// ServiceDesc describes the change streams service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChangeStreamsServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("SetChangeStreamState", ChangeStreamsServer.SetChangeStreamState),
		unaryHandler("GetChangeStreamState", ChangeStreamsServer.GetChangeStreamState),
		unaryHandler("Ingest", ChangeStreamsServer.Ingest),
		unaryHandler("OpenCursor", ChangeStreamsServer.OpenCursor),
		unaryHandler("GetMore", ChangeStreamsServer.GetMore),
		unaryHandler("KillCursor", ChangeStreamsServer.KillCursor),
		unaryHandler("CollectionStats", ChangeStreamsServer.CollectionStats),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
}

type tenantReq struct {
	Tenant  string `json:"tenant"`
	Enabled bool   `json:"enabled,omitempty"`
}

type ingestReq struct {
	Tenant string     `json:"tenant"`
	Ops    []oplog.Op `json:"ops"`
}

type cursorReq struct {
	Tenant     string `json:"tenant"`
	ID         string `json:"id"`
	BatchSize  int    `json:"batchSize,omitempty"`
	MaxAwaitMS int    `json:"maxAwaitTimeMS,omitempty"`
}

type changeStreamsSvc struct {
	svc *changestreamsvc.Service
}

func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, streamerr.ToStatus(err)
	}
	out, err := toStruct(v)
	if err != nil {
		return nil, streamerr.ToStatus(err)
	}
	return out, nil
}

func (s *changeStreamsSvc) SetChangeStreamState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tenantReq
	if err := fromStruct(in, &req); err != nil {
		return nil, streamerr.ToStatus(err)
	}
	return reply(s.svc.SetChangeStreamState(ctx, req.Tenant, req.Enabled))
}

func (s *changeStreamsSvc) GetChangeStreamState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tenantReq
	if err := fromStruct(in, &req); err != nil {
		return nil, streamerr.ToStatus(err)
	}
	return reply(s.svc.ChangeStreamState(ctx, req.Tenant))
}

func (s *changeStreamsSvc) Ingest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ingestReq
	if err := fromStruct(in, &req); err != nil {
		return nil, streamerr.ToStatus(err)
	}
	return reply(s.svc.Ingest(ctx, req.Tenant, req.Ops))
}

func (s *changeStreamsSvc) OpenCursor(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req changestreamsvc.WatchRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, streamerr.ToStatus(err)
	}
	return reply(s.svc.OpenCursor(ctx, req))
}

func (s *changeStreamsSvc) GetMore(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req cursorReq
	if err := fromStruct(in, &req); err != nil {
		return nil, streamerr.ToStatus(err)
	}
	maxAwait := time.Duration(req.MaxAwaitMS) * time.Millisecond
	return reply(s.svc.GetMore(ctx, req.Tenant, req.ID, req.BatchSize, maxAwait))
}

func (s *changeStreamsSvc) KillCursor(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req cursorReq
	if err := fromStruct(in, &req); err != nil {
		return nil, streamerr.ToStatus(err)
	}
	return reply(struct{}{}, s.svc.KillCursor(ctx, req.Tenant, req.ID))
}

func (s *changeStreamsSvc) CollectionStats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tenantReq
	if err := fromStruct(in, &req); err != nil {
		return nil, streamerr.ToStatus(err)
	}
	return reply(s.svc.CollectionStats(ctx, req.Tenant))
}

type grpcSink struct {
	stream grpc.ServerStream
}

func (g grpcSink) Send(doc changestream.Document) error {
	msg, err := toStruct(doc)
	if err != nil {
		return err
	}
	return g.stream.SendMsg(msg)
}
func (g grpcSink) Context() context.Context { return g.stream.Context() }
func (g grpcSink) Flush() error             { return nil }

func (s *changeStreamsSvc) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	var req changestreamsvc.WatchRequest
	if err := fromStruct(in, &req); err != nil {
		return streamerr.ToStatus(err)
	}
	return streamerr.ToStatus(s.svc.Watch(req, grpcSink{stream: stream}))
}
