// Package changestream implements resumable change stream cursors over a
// tenant's current change collection.
//
// A cursor is bound at open to one incarnation (tenant, epoch) and never
// rebinds. Its start point is resolved once:
//   - fresh: after everything committed so far;
//   - ResumeAfter: strictly after the position in a resume token minted by
//     the same tenant and incarnation;
//   - StartAtOperationTime: at the first event with ts >= the given time;
//   - FromEarliest: at the oldest retained event.
//
// Unrecoverable start points fail explicitly with a streamerr kind instead
// of silently skipping history.
package changestream

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/resumetoken"
	"github.com/rzbill/changeflo/internal/streamerr"
	"github.com/rzbill/changeflo/pkg/log"
	"github.com/rzbill/changeflo/pkg/optime"
)

// DefaultBatchSize bounds events fetched per scan.
const DefaultBatchSize = 128

// ClusterClock reports the current oplog time.
type ClusterClock interface {
	CurrentClusterTime() optime.Timestamp
}

// Observer is notified of cursor lifecycle changes. Optional.
type Observer interface {
	ObserveCursorOpen(tenant string, err error)
	ObserveCursorEnd(tenant string, state State, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveCursorOpen(string, error)       {}
func (noopObserver) ObserveCursorEnd(string, State, error) {}

// Options selects the start point and scope of a cursor.
type Options struct {
	ResumeAfter          resumetoken.Token
	StartAtOperationTime optime.Timestamp
	// FromEarliest starts at the oldest retained event.
	FromEarliest bool
	Target       Target
	// Filter is an optional CEL expression evaluated per event.
	Filter    string
	BatchSize int
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Logger   log.Logger
	Observer Observer
}

// Watcher opens cursors.
type Watcher struct {
	store    *changecoll.Store
	clock    ClusterClock
	codec    *resumetoken.Codec
	logger   log.Logger
	observer Observer
	seq      atomic.Uint64
}

// NewWatcher returns a Watcher reading store.
func NewWatcher(store *changecoll.Store, clock ClusterClock, codec *resumetoken.Codec, opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	return &Watcher{
		store:    store,
		clock:    clock,
		codec:    codec,
		logger:   opts.Logger.WithComponent("changestream"),
		observer: opts.Observer,
	}
}

// Codec returns the token codec cursors mint with.
func (w *Watcher) Codec() *resumetoken.Codec { return w.codec }

// Open resolves the start point and returns a cursor bound to the tenant's
// current incarnation.
func (w *Watcher) Open(ctx context.Context, tenant string, opts Options) (*Cursor, error) {
	c, err := w.open(ctx, tenant, opts)
	w.observer.ObserveCursorOpen(tenant, err)
	if err != nil {
		w.logger.Debug("open change stream failed", log.Tenant(tenant), log.Err(err))
		return nil, err
	}
	return c, nil
}

func (w *Watcher) open(ctx context.Context, tenant string, opts Options) (*Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	starts := 0
	for _, set := range []bool{opts.ResumeAfter != "", !opts.StartAtOperationTime.IsZero(), opts.FromEarliest} {
		if set {
			starts++
		}
	}
	if starts > 1 {
		return nil, streamerr.InvalidOptions("only one of resumeAfter, startAtOperationTime and fromEarliest may be set")
	}
	if opts.Target.DB == "" && opts.Target.Coll != "" {
		return nil, streamerr.InvalidOptions("a collection target requires a database")
	}
	filter, err := newCELFilter(opts.Filter)
	if err != nil {
		return nil, streamerr.InvalidOptions("invalid filter: %v", err)
	}

	var resume resumetoken.Data
	if opts.ResumeAfter != "" {
		resume, err = w.codec.Decode(opts.ResumeAfter)
		if err != nil {
			return nil, err
		}
		if resume.Tenant != tenant {
			return nil, streamerr.Fatal("resume token belongs to another tenant")
		}
	}

	coll, ok := w.store.Current(tenant)
	if !ok {
		return nil, streamerr.NotEnabled("change streams are not enabled for tenant %s", tenant)
	}
	watermark := coll.TruncatedThrough()

	var pos changecoll.Position
	switch {
	case opts.ResumeAfter != "":
		switch {
		case resume.Epoch < coll.Epoch():
			return nil, streamerr.HistoryLost("resume token is from incarnation %d; current incarnation is %d", resume.Epoch, coll.Epoch())
		case resume.Epoch > coll.Epoch():
			return nil, streamerr.Fatal("resume token is from unknown incarnation %d", resume.Epoch)
		}
		pos = resume.Position()
		if pos.Less(watermark) {
			return nil, streamerr.HistoryLost("resume point %s is behind truncated history %s", pos, watermark)
		}
	case !opts.StartAtOperationTime.IsZero():
		ts := opts.StartAtOperationTime
		if ts < coll.StartTs() {
			return nil, streamerr.HistoryLost("start time %s predates incarnation start %s", ts, coll.StartTs())
		}
		if !watermark.IsZero() && ts <= watermark.Ts {
			return nil, streamerr.HistoryLost("start time %s is within truncated history %s", ts, watermark)
		}
		pos = changecoll.EndOf(ts.Prev())
	case opts.FromEarliest:
		pos = watermark
		if pos.IsZero() {
			pos = changecoll.Position{Ts: coll.StartTs()}
		}
	default:
		pos = changecoll.EndOf(w.clock.CurrentClusterTime())
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	cur := &Cursor{
		id:        tenant + "#" + strconv.FormatUint(w.seq.Add(1), 10),
		w:         w,
		tenant:    tenant,
		coll:      coll,
		epoch:     coll.Epoch(),
		target:    opts.Target,
		filter:    filter,
		batchSize: batch,
		state:     StateInitializing,
		pos:       pos,
		emitted:   pos,
		closeCh:   make(chan struct{}),
	}
	cur.token = w.codec.Encode(resumetoken.Data{Tenant: tenant, Epoch: cur.epoch, Ts: pos.Ts, Ord: pos.Ord})
	coll.Pin(cur.id, pos)
	return cur, nil
}
