package changecoll

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/pkg/log"
	"github.com/rzbill/changeflo/pkg/optime"
)

// TruncateOptions bounds a truncation pass.
type TruncateOptions struct {
	// Cap, when set, is the newest position that may be removed.
	Cap *Position
	// BatchLimit bounds events removed per call; <= 0 means unbounded.
	BatchLimit int
}

// TruncateThrough removes every event at or before pos.
func (c *Collection) TruncateThrough(ctx context.Context, pos Position) (int, error) {
	return c.truncate(ctx, TruncateOptions{Cap: &pos}, func(Position, int64) bool { return true })
}

// TruncateOlderThan removes events committed before cutoff.
func (c *Collection) TruncateOlderThan(ctx context.Context, cutoff optime.Timestamp, opts TruncateOptions) (int, error) {
	return c.truncate(ctx, opts, func(p Position, _ int64) bool { return p.Ts < cutoff })
}

// TruncateToMaxBytes removes the oldest events until the retained value
// bytes fit in maxBytes.
func (c *Collection) TruncateToMaxBytes(ctx context.Context, maxBytes int64, opts TruncateOptions) (int, error) {
	if maxBytes < 0 {
		return 0, nil
	}
	return c.truncate(ctx, opts, func(_ Position, live int64) bool { return live > maxBytes })
}

// truncate removes events from the front while drop holds. live is the
// retained byte count before removing the candidate event.
func (c *Collection) truncate(ctx context.Context, opts TruncateOptions, drop func(p Position, live int64) bool) (int, error) {
	c.truncMu.Lock()
	defer c.truncMu.Unlock()

	snap := c.store.db.NewSnapshot()
	defer snap.Close()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return 0, nil
	}
	from := c.removed
	live := c.appended.bytes - c.removed.bytes
	c.mu.Unlock()

	lower := keyEventPrefix(c.prefix)
	if !from.pos.IsZero() {
		lower = keyEvent(c.prefix, from.pos.Next())
	}
	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: pebblestore.PrefixEnd(keyEventPrefix(c.prefix)),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var through Position
	n, bytes := 0, int64(0)
	for ok := iter.First(); ok; ok = iter.Next() {
		if opts.BatchLimit > 0 && n >= opts.BatchLimit {
			break
		}
		pos := posFromKey(iter.Key())
		if opts.Cap != nil && opts.Cap.Less(pos) {
			break
		}
		if !drop(pos, live-bytes) {
			break
		}
		through = pos
		n++
		bytes += int64(len(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	next := progress{pos: through, events: from.events + int64(n), bytes: from.bytes + bytes}
	c.mu.Lock()
	c.removed = next
	c.mu.Unlock()

	if err := c.commitTruncate(ctx, lower, through, next); err != nil {
		c.mu.Lock()
		c.removed = from
		c.mu.Unlock()
		return 0, err
	}
	c.store.observer.ObserveTruncate(c.tenant, c.epoch, through, n)
	c.store.logger.Debug("change collection truncated",
		log.Tenant(c.tenant), log.Uint64("epoch", c.epoch), log.Stringer("through", through), log.Int("events", n))
	return n, nil
}

func (c *Collection) commitTruncate(ctx context.Context, lower []byte, through Position, next progress) error {
	b := c.store.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyTruncMeta(c.prefix), next.encode(), nil); err != nil {
		return err
	}
	if err := b.DeleteRange(lower, keyEvent(c.prefix, through.Next()), nil); err != nil {
		return err
	}
	if err := c.store.db.CommitBatch(ctx, b); err != nil {
		return errors.Wrapf(err, "truncate %s/%d through %s", c.tenant, c.epoch, through)
	}
	return nil
}
