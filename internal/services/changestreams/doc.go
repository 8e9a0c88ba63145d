// Package changestreamsvc implements the change streams facade consumed by
// the gRPC and HTTP transports: ingest into the oplog, per-tenant enable and
// disable, push-style watch, and server-side cursors addressed by id.
//
// Example:
//
//	svc := changestreamsvc.New(rt)
//	defer svc.Close()
//	_, _ = svc.SetChangeStreamState(ctx, "tenant-a", true)
//	_, _ = svc.Ingest(ctx, "tenant-a", []oplog.Op{{Type: oplog.OpInsert, ...}})
//	batch, _ := svc.OpenCursor(ctx, changestreamsvc.WatchRequest{Tenant: "tenant-a"})
//	batch, _ = svc.GetMore(ctx, "tenant-a", batch.CursorID, 100, time.Second)
package changestreamsvc

// Performance notes
//
// Watch
//   - streams.flush_window: optional flush window for the per-watcher
//     writer. Small windows (2-5ms) coalesce network writes without adding
//     noticeable latency.
//   - The writer buffers up to 1024 documents, so a slow client applies
//     backpressure to its own cursor only.
//
// Cursors
//   - Server-side cursors are reaped after streams.cursor_idle_timeout
//     without a getMore, releasing their retention pins.
