// Package optime provides the logical cluster time used to order the oplog.
//
// # Format
//
// A Timestamp is a uint64 whose high 32 bits hold unix seconds and whose low
// 32 bits hold an increment. Numeric order equals chronological order, and
// the big-endian encoding sorts byte-wise, so timestamps can be used directly
// in Pebble keys.
//
// # Monotonicity
//
// The Clock ensures per-process monotonicity:
//   - If the wall clock regresses, it pins to the last seen second and
//     increments to avoid going backwards.
//   - If the increment would overflow within a second, the clock moves its
//     logical second forward instead of waiting for the wall clock.
//   - Observe lets a recovering process move the clock past timestamps it
//     already persisted.
//
// Usage
//
//	c := optime.NewClock(clock.WallClock)
//	ts := c.Next()
//	s := ts.String()  // "1718000000.3"
package optime
