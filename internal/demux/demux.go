// Package demux fans the shared oplog out into per-tenant change
// collections. A single writer reads the oplog once, from a durable
// checkpoint, and applies each entry to the committing tenant's current
// incarnation. Control entries mint and destroy incarnations in oplog order,
// so an enable or disable takes effect exactly between the entries that
// surround it.
package demux

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"gopkg.in/tomb.v2"

	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/oplog"
	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/internal/streamerr"
	"github.com/rzbill/changeflo/pkg/log"
	"github.com/rzbill/changeflo/pkg/optime"
)

var keyCheckpoint = []byte("demux/checkpoint")

// Options configures the demultiplexer.
type Options struct {
	Logger log.Logger
	// BatchSize bounds entries read from the oplog per step.
	BatchSize int
	// RetryMaxElapsed bounds retries of a transient apply failure.
	RetryMaxElapsed time.Duration
}

// Demux is the single fan-out writer.
type Demux struct {
	db     *pebblestore.DB
	oplog  *oplog.Log
	store  *changecoll.Store
	logger log.Logger
	opts   Options

	// mu serializes steps; the checkpoint only moves under it.
	mu         sync.Mutex
	checkpoint optime.Timestamp

	tomb tomb.Tomb
}

// New loads the checkpoint and returns an idle demultiplexer.
func New(db *pebblestore.DB, ol *oplog.Log, store *changecoll.Store, opts Options) (*Demux, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = 30 * time.Second
	}
	d := &Demux{
		db:     db,
		oplog:  ol,
		store:  store,
		logger: opts.Logger.WithComponent("demux"),
		opts:   opts,
	}
	b, err := db.Get(keyCheckpoint)
	switch {
	case err == nil:
		ts, ok := optime.FromBytes(b)
		if !ok {
			return nil, errors.New("demux: corrupt checkpoint")
		}
		d.checkpoint = ts
	case !pebblestore.IsNotFound(err):
		return nil, errors.Wrap(err, "demux: load checkpoint")
	}
	return d, nil
}

// Checkpoint returns the timestamp of the last applied oplog entry.
func (d *Demux) Checkpoint() optime.Timestamp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkpoint
}

// CatchUp applies oplog entries until the checkpoint reaches ts. Commit and
// lifecycle paths call it so their effects are visible on return.
func (d *Demux) CatchUp(ctx context.Context, ts optime.Timestamp) error {
	for {
		if d.Checkpoint() >= ts {
			return nil
		}
		n, err := d.step(ctx)
		if err != nil {
			return err
		}
		if n == 0 && d.Checkpoint() < ts {
			return errors.Newf("demux: oplog ends before %s", ts)
		}
	}
}

// Start runs the tailing loop in the background.
func (d *Demux) Start() {
	d.tomb.Go(d.loop)
}

// Stop stops the tailing loop and returns its error.
func (d *Demux) Stop() error {
	d.tomb.Kill(nil)
	return d.tomb.Wait()
}

// Dead is closed when the tailing loop exits.
func (d *Demux) Dead() <-chan struct{} { return d.tomb.Dead() }

func (d *Demux) loop() error {
	ctx := d.tomb.Context(context.Background())
	d.logger.Info("demux started", log.Stringer("checkpoint", d.Checkpoint()))
	for {
		changed := d.oplog.Changed()
		n, err := d.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Error("demux stopped", log.Err(err))
			return err
		}
		if n > 0 {
			continue
		}
		select {
		case <-changed:
		case <-d.tomb.Dying():
			return nil
		}
	}
}

// step applies one batch of oplog entries and persists the checkpoint.
func (d *Demux) step(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := d.oplog.ReadRange(ctx, d.checkpoint, d.opts.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "demux: read oplog")
	}
	if len(entries) == 0 {
		return 0, nil
	}
	for _, e := range entries {
		if err := d.applyWithRetry(ctx, e); err != nil {
			return 0, err
		}
	}
	last := entries[len(entries)-1].Ts
	if err := d.db.Set(keyCheckpoint, last.Bytes()); err != nil {
		return 0, errors.Wrap(err, "demux: persist checkpoint")
	}
	d.checkpoint = last
	return len(entries), nil
}

func (d *Demux) applyWithRetry(ctx context.Context, e oplog.Entry) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := d.apply(ctx, e)
		if err != nil && (streamerr.KindOf(err) != streamerr.KindUnknown || ctx.Err() != nil) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			d.logger.Warn("apply failed, retrying", log.Tenant(e.Tenant), log.Stringer("ts", e.Ts), log.Err(err))
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(d.opts.RetryMaxElapsed),
	)
	if err != nil {
		return errors.Wrapf(err, "demux: apply %s@%s", e.Tenant, e.Ts)
	}
	return nil
}

func (d *Demux) apply(ctx context.Context, e oplog.Entry) error {
	var err error
	if e.IsControl() {
		err = d.applyControl(ctx, e)
	} else {
		_, err = d.store.Append(ctx, e.Tenant, e.Ts, e.Ops...)
	}
	switch {
	case err == nil:
		return nil
	case streamerr.Is(err, streamerr.KindNotEnabled), errors.Is(err, changecoll.ErrBeforeStart):
		// Tenants without change streams keep no change collection.
		return nil
	case streamerr.Is(err, streamerr.KindInvalidOptions):
		d.logger.Warn("skipping entry with invalid tenant", log.Tenant(e.Tenant), log.Stringer("ts", e.Ts), log.Err(err))
		return nil
	}
	return err
}

func (d *Demux) applyControl(ctx context.Context, e oplog.Entry) error {
	meta, err := d.store.Meta(e.Tenant)
	if err != nil {
		return err
	}
	if e.Ts <= meta.ControlTs {
		return nil
	}
	switch e.Ops[0].Type {
	case oplog.OpEnableChangeStream:
		if meta.Enabled {
			return nil
		}
		_, err := d.store.Create(ctx, e.Tenant, meta.LastEpoch+1, e.Ts)
		return err
	case oplog.OpDisableChangeStream:
		if !meta.Enabled {
			return nil
		}
		return d.store.Destroy(ctx, e.Tenant, meta.Epoch, e.Ts)
	}
	return nil
}
