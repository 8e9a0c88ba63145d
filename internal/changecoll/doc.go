// Package changecoll implements per-tenant change collections: the durable,
// append-only logs of change events derived from the shared oplog.
//
// # Overview
//
// Each enabled tenant owns exactly one current incarnation (tenant, epoch).
// An incarnation's events are persisted in Pebble under a key prefix scoped
// to that incarnation, so destroying it is a single range delete and events
// of different incarnations can never be confused:
//   - cc/{tenant}/{epoch_be8}/e/{ts_be8}{ord_be4}  (events)
//   - cc/{tenant}/{epoch_be8}/ma                  (append state: last position, totals)
//   - cc/{tenant}/{epoch_be8}/mt                  (truncation watermark, totals)
//   - tenantmeta/{tenant}                         (incarnation record, see package tenant)
//
// Events are values framed by package record; the header carries the op
// type and the payload a JSON body.
//
// API surface (internal)
//
//	s, _ := Open(db, Options{Logger: logger})
//	c, _ := s.Create(ctx, "t1", 1, startTs)
//	_, _ = s.Append(ctx, "t1", ts, ops...)
//
//	// Scans are served from a Pebble snapshot; the watermark and the
//	// destroyed flag are checked after the snapshot is taken.
//	ch := c.Changed()
//	events, err := c.ScanFrom(ctx, 1, pos, 100)
//	if err == nil && len(events) == 0 {
//	    <-ch // or c.Wait(ctx)
//	}
//
//	// Retention
//	_, _ = c.TruncateOlderThan(ctx, cutoff, TruncateOptions{BatchLimit: 1024})
//
// # Ordering
//
// Truncation raises the in-memory watermark before deleting, and
// destruction flags the collection before its range delete. A scan that
// passes its checks therefore always reads a snapshot holding every event
// after its position.
package changecoll
