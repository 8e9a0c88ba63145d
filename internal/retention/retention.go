// Package retention truncates change collections and the oplog on a
// schedule. Truncated history is gone for good: readers that still need it
// fail with ChangeStreamHistoryLost instead of skipping a gap.
package retention

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/juju/clock"
	"gopkg.in/tomb.v2"

	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/oplog"
	"github.com/rzbill/changeflo/pkg/log"
	"github.com/rzbill/changeflo/pkg/optime"
)

// Policy bounds retained history. Zero fields disable their rule.
type Policy struct {
	// ExpireAfter removes events older than this.
	ExpireAfter time.Duration `mapstructure:"expire_after" json:"expire_after" yaml:"expire_after"`
	// MaxBytes bounds retained event bytes per incarnation.
	MaxBytes int64 `mapstructure:"max_bytes" json:"max_bytes" yaml:"max_bytes"`
	// SafetyMargin protects positions pinned by cursors that read within
	// this window. Zero truncates eagerly.
	SafetyMargin time.Duration `mapstructure:"safety_margin" json:"safety_margin" yaml:"safety_margin"`
	// Interval between passes of the background worker.
	Interval time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	// BatchLimit bounds events removed per incarnation per pass.
	BatchLimit int `mapstructure:"batch_limit" json:"batch_limit" yaml:"batch_limit"`
	// OplogExpireAfter removes oplog entries older than this once the
	// demultiplexer has applied them.
	OplogExpireAfter time.Duration `mapstructure:"oplog_expire_after" json:"oplog_expire_after" yaml:"oplog_expire_after"`
}

// DefaultPolicy keeps a day of history.
func DefaultPolicy() Policy {
	return Policy{
		ExpireAfter:      24 * time.Hour,
		SafetyMargin:     5 * time.Minute,
		Interval:         30 * time.Second,
		BatchLimit:       4096,
		OplogExpireAfter: time.Hour,
	}
}

// Checkpointer reports how far the oplog has been applied.
type Checkpointer interface {
	Checkpoint() optime.Timestamp
}

// Report summarizes one pass.
type Report struct {
	Collections int
	Events      int
	OplogBefore optime.Timestamp
}

// Options configures a Worker.
type Options struct {
	Logger log.Logger
	Clock  clock.Clock
}

// Worker applies a Policy.
type Worker struct {
	store  *changecoll.Store
	oplog  *oplog.Log
	demux  Checkpointer
	policy Policy
	clock  clock.Clock
	logger log.Logger
	tomb   tomb.Tomb
}

// New returns an idle worker. ol and cp may be nil to leave the oplog alone.
func New(store *changecoll.Store, ol *oplog.Log, cp Checkpointer, policy Policy, opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if policy.Interval <= 0 {
		policy.Interval = DefaultPolicy().Interval
	}
	return &Worker{
		store:  store,
		oplog:  ol,
		demux:  cp,
		policy: policy,
		clock:  opts.Clock,
		logger: opts.Logger.WithComponent("retention"),
	}
}

// Policy returns the active policy.
func (w *Worker) Policy() Policy { return w.policy }

// Start runs passes every Interval in the background.
func (w *Worker) Start() {
	w.tomb.Go(w.loop)
}

// Stop stops the background loop.
func (w *Worker) Stop() error {
	w.tomb.Kill(nil)
	return w.tomb.Wait()
}

func (w *Worker) loop() error {
	ctx := w.tomb.Context(context.Background())
	for {
		select {
		case <-w.tomb.Dying():
			return nil
		case <-w.clock.After(w.policy.Interval):
		}
		if _, err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A failed pass is retried on the next tick.
			w.logger.Warn("retention pass failed", log.Err(err))
		}
	}
}

// RunOnce performs one pass over every incarnation and the oplog.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	now := w.clock.Now()
	var errs error
	for _, c := range w.store.Collections() {
		n, err := w.truncateCollection(ctx, c, now)
		rep.Collections++
		rep.Events += n
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "truncate %s/%d", c.Tenant(), c.Epoch()))
		}
	}
	before, err := w.truncateOplog(ctx, now)
	if err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	rep.OplogBefore = before
	if rep.Events > 0 {
		w.logger.Info("retention pass", log.Int("collections", rep.Collections), log.Int("events", rep.Events))
	}
	return rep, errs
}

func (w *Worker) truncateCollection(ctx context.Context, c *changecoll.Collection, now time.Time) (int, error) {
	opts := changecoll.TruncateOptions{BatchLimit: w.policy.BatchLimit}
	if pin, ok := c.OldestPin(now, w.policy.SafetyMargin); ok {
		opts.Cap = &pin
	}
	total := 0
	if w.policy.ExpireAfter > 0 {
		cutoff := optime.FromTime(now.Add(-w.policy.ExpireAfter))
		n, err := c.TruncateOlderThan(ctx, cutoff, opts)
		total += n
		if err != nil {
			return total, err
		}
	}
	if w.policy.MaxBytes > 0 {
		n, err := c.TruncateToMaxBytes(ctx, w.policy.MaxBytes, opts)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (w *Worker) truncateOplog(ctx context.Context, now time.Time) (optime.Timestamp, error) {
	if w.oplog == nil || w.demux == nil || w.policy.OplogExpireAfter <= 0 {
		return optime.Zero, nil
	}
	before := optime.FromTime(now.Add(-w.policy.OplogExpireAfter))
	if cp := w.demux.Checkpoint(); cp < before {
		before = cp
	}
	if before.IsZero() {
		return optime.Zero, nil
	}
	if err := w.oplog.TruncateBefore(ctx, before); err != nil {
		return optime.Zero, err
	}
	return before, nil
}
