// Package grpcserver hosts the gRPC server for changeflo: the change
// streams service (unary lifecycle, ingest and cursor RPCs plus a
// server-streaming Watch) and the standard grpc.health.v1 service. Errors
// carry their change stream kind as an ErrorInfo detail; Client restores it.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Config: config.Default()})
//	s := grpcserver.New(rt, changestreamsvc.New(rt))
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":9090")
package grpcserver
