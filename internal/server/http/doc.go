// Package httpserver provides the REST gateway for changeflo: tenant
// lifecycle, ingest, server-side cursors with getMore, and push watches over
// SSE or websocket. Errors carry their change stream kind in the "code"
// field of the JSON body.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Config: config.Default()})
//	svc := changestreamsvc.New(rt)
//	s := httpserver.New(rt, svc)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
