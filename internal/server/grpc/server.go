package grpcserver

import (
	"context"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/changeflo/internal/runtime"
	changestreamsvc "github.com/rzbill/changeflo/internal/services/changestreams"
	"github.com/rzbill/changeflo/pkg/log"
)

// Server owns the gRPC server instance and runtime.
type Server struct {
	rt     *runtime.Runtime
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	logger log.Logger
}

// New constructs a gRPC server and registers the change streams and health
// services. RPCs are instrumented with the runtime's meter provider.
func New(rt *runtime.Runtime, svc *changestreamsvc.Service, opts ...grpc.ServerOption) *Server {
	if p := rt.Providers(); p != nil {
		opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler(otelgrpc.WithMeterProvider(p.MeterProvider))))
	}
	s := &Server{
		rt:     rt,
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		logger: rt.Logger().WithComponent("grpc"),
	}
	s.grpc.RegisterService(&ServiceDesc, &changeStreamsSvc{svc: svc})
	healthpb.RegisterHealthServer(s.grpc, s.health)
	refreshHealth(context.Background(), rt, s.health)
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	s.logger.Info("grpc listening", log.Str("addr", l.Addr().String()))
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchHealth(hctx, s.rt, s.health)
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	s.health.Shutdown()
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
