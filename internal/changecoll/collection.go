package changecoll

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/rzbill/changeflo/internal/oplog"
	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/internal/streamerr"
	"github.com/rzbill/changeflo/pkg/optime"
)

// Collection is the change log of one incarnation (tenant, epoch).
type Collection struct {
	store   *Store
	tenant  string
	epoch   uint64
	startTs optime.Timestamp
	prefix  []byte

	// truncMu serializes truncations with each other and with Destroy.
	truncMu sync.Mutex

	mu        sync.Mutex
	appended  progress // pos = last event
	removed   progress // pos = last truncated event (watermark)
	destroyed bool
	notifyCh  chan struct{}
	done      chan struct{}
	pins      map[string]pin
}

type pin struct {
	pos Position
	at  time.Time
}

func newCollection(s *Store, tenant string, epoch uint64, startTs optime.Timestamp) *Collection {
	return &Collection{
		store:    s,
		tenant:   tenant,
		epoch:    epoch,
		startTs:  startTs,
		prefix:   keyIncarnation(tenant, epoch),
		notifyCh: make(chan struct{}),
		done:     make(chan struct{}),
		pins:     make(map[string]pin),
	}
}

func (s *Store) loadCollection(tenant string, epoch uint64, startTs optime.Timestamp) (*Collection, error) {
	c := newCollection(s, tenant, epoch, startTs)
	if b, err := s.db.Get(keyAppendMeta(c.prefix)); err == nil {
		p, ok := decodeProgress(b)
		if !ok {
			return nil, errors.Newf("corrupt append state for %s/%d", tenant, epoch)
		}
		c.appended = p
	} else if !pebblestore.IsNotFound(err) {
		return nil, err
	}
	if b, err := s.db.Get(keyTruncMeta(c.prefix)); err == nil {
		p, ok := decodeProgress(b)
		if !ok {
			return nil, errors.Newf("corrupt truncation state for %s/%d", tenant, epoch)
		}
		c.removed = p
	} else if !pebblestore.IsNotFound(err) {
		return nil, err
	}
	return c, nil
}

func (c *Collection) Tenant() string            { return c.tenant }
func (c *Collection) Epoch() uint64             { return c.epoch }
func (c *Collection) StartTs() optime.Timestamp { return c.startTs }

// LastPosition returns the position of the newest event, or the zero
// position when nothing was appended.
func (c *Collection) LastPosition() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appended.pos
}

// TruncatedThrough returns the position of the newest truncated event. Every
// event at or before it is gone.
func (c *Collection) TruncatedThrough() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed.pos
}

// Destroyed reports whether the incarnation was disabled.
func (c *Collection) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *Collection) append(ctx context.Context, ts optime.Timestamp, ops []oplog.Op) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return 0, streamerr.NotEnabled("incarnation %s/%d was destroyed", c.tenant, c.epoch)
	}
	if ts <= c.appended.pos.Ts && !c.appended.pos.IsZero() {
		return 0, nil
	}
	if ts <= c.startTs {
		return 0, errors.Wrapf(ErrBeforeStart, "%s/%d: ts %s <= start %s", c.tenant, c.epoch, ts, c.startTs)
	}

	b := c.store.db.NewBatch()
	defer b.Close()
	size := 0
	for i, op := range ops {
		val, err := encodeOp(op)
		if err != nil {
			return 0, err
		}
		if err := b.Set(keyEvent(c.prefix, Position{Ts: ts, Ord: uint32(i)}), val, nil); err != nil {
			return 0, err
		}
		size += len(val)
	}
	next := progress{
		pos:    Position{Ts: ts, Ord: uint32(len(ops) - 1)},
		events: c.appended.events + int64(len(ops)),
		bytes:  c.appended.bytes + int64(size),
	}
	if err := b.Set(keyAppendMeta(c.prefix), next.encode(), nil); err != nil {
		return 0, err
	}
	if err := c.store.db.CommitBatch(ctx, b); err != nil {
		return 0, errors.Wrapf(err, "append %s/%d@%s", c.tenant, c.epoch, ts)
	}
	c.appended = next
	close(c.notifyCh)
	c.notifyCh = make(chan struct{})
	c.store.observer.ObserveAppend(c.tenant, len(ops), size)
	return len(ops), nil
}

// ScanFrom returns up to limit events strictly after pos, in order, from a
// consistent snapshot. It fails IncarnationMismatch when epoch is not this
// incarnation, QueryPlanKilled once the incarnation is destroyed, and
// ChangeStreamHistoryLost when events after pos were truncated. An empty
// result means the caller is caught up.
func (c *Collection) ScanFrom(ctx context.Context, epoch uint64, pos Position, limit int) ([]Event, error) {
	if epoch != c.epoch {
		return nil, streamerr.IncarnationMismatch("scan of %s/%d bound to epoch %d", c.tenant, c.epoch, epoch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := c.store.db.NewSnapshot()
	defer snap.Close()

	c.mu.Lock()
	destroyed, watermark := c.destroyed, c.removed.pos
	c.mu.Unlock()
	if destroyed {
		return nil, streamerr.QueryPlanKilled("change stream incarnation %s/%d was disabled", c.tenant, c.epoch)
	}
	if pos.Less(watermark) {
		return nil, streamerr.HistoryLost("resume point %s of %s/%d is behind truncated history %s", pos, c.tenant, c.epoch, watermark)
	}

	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: keyEvent(c.prefix, pos.Next()),
		UpperBound: pebblestore.PrefixEnd(keyEventPrefix(c.prefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Event
	for ok := iter.First(); ok; ok = iter.Next() {
		ev, err := decodeEvent(c.tenant, c.epoch, posFromKey(iter.Key()), iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// Changed returns a channel closed by the next append or by destruction.
// Capture it before scanning so an append between scan and wait is seen.
func (c *Collection) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifyCh
}

// Done is closed when the incarnation is destroyed.
func (c *Collection) Done() <-chan struct{} { return c.done }

// Wait blocks until an append, destruction, or ctx cancellation. Destruction
// returns QueryPlanKilled.
func (c *Collection) Wait(ctx context.Context) error {
	ch := c.Changed()
	return c.WaitOn(ctx, ch)
}

// WaitOn is Wait with a channel captured earlier from Changed.
func (c *Collection) WaitOn(ctx context.Context, changed <-chan struct{}) error {
	select {
	case <-c.done:
		return streamerr.QueryPlanKilled("change stream incarnation %s/%d was disabled", c.tenant, c.epoch)
	default:
	}
	select {
	case <-changed:
		if c.Destroyed() {
			return streamerr.QueryPlanKilled("change stream incarnation %s/%d was disabled", c.tenant, c.epoch)
		}
		return nil
	case <-c.done:
		return streamerr.QueryPlanKilled("change stream incarnation %s/%d was disabled", c.tenant, c.epoch)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collection) markDestroyed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	close(c.done)
	close(c.notifyCh)
	c.notifyCh = make(chan struct{})
	c.pins = map[string]pin{}
}
