package pebblestore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = pebble.ErrNotFound

// FsyncMode selects when committed writes reach stable storage.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every commit. Oplog entries and
	// their change events are durable once Append returns.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble and the OS.
	FsyncModeNever
)

var fsyncModeNames = map[FsyncMode]string{
	FsyncModeAlways:   "always",
	FsyncModeInterval: "interval",
	FsyncModeNever:    "never",
}

func (m FsyncMode) String() string {
	if s, ok := fsyncModeNames[m]; ok {
		return s
	}
	return "unspecified"
}

// ParseFsyncMode maps a config string to a mode. Unknown strings map to
// FsyncModeUnspecified.
func ParseFsyncMode(s string) FsyncMode {
	for m, name := range fsyncModeNames {
		if name == s {
			return m
		}
	}
	return FsyncModeUnspecified
}

const defaultSyncInterval = 5 * time.Millisecond

type Options struct {
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. Nil uses Pebble defaults.
	PebbleOptions *pebble.Options
	// Metrics observes write and read latencies. Optional.
	Metrics MetricsHook
	// Logger receives Pebble's internal log lines. Optional.
	Logger pebble.Logger
}

// MetricsHook receives storage observations.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(time.Duration, int)            {}
func (NoopMetrics) ObserveRead(time.Duration, int)             {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int, int) {}

// DB is the single Pebble instance shared by every changeflo component.
// Each component owns a key prefix.
type DB struct {
	inner   *pebble.DB
	sync    *pebble.WriteOptions
	metrics MetricsHook
}

// Open creates or opens the database under opts.DataDir.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	if opts.Logger != nil {
		po.Logger = opts.Logger
	}

	wo := pebble.NoSync
	switch opts.Fsync {
	case FsyncModeAlways:
		wo = pebble.Sync
	case FsyncModeInterval, FsyncModeUnspecified:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = defaultSyncInterval
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, errors.Wrapf(err, "pebble: open %s", opts.DataDir)
	}
	db := &DB{inner: inner, sync: wo, metrics: opts.Metrics}
	if db.metrics == nil {
		db.metrics = NoopMetrics{}
	}
	return db, nil
}

// Close closes the database. It is safe on a nil DB.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// NewBatch creates a batch for atomic multi-key updates. Commit it with
// CommitBatch and Close it afterwards.
func (db *DB) NewBatch() *pebble.Batch { return db.inner.NewBatch() }

// CommitBatch commits b with the configured fsync policy.
func (db *DB) CommitBatch(ctx context.Context, b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebble: nil batch")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	size, ops := b.Len(), int(b.Count())
	err := b.Commit(db.sync)
	db.metrics.ObserveBatchCommit(time.Since(start), ops, size)
	return err
}

// update runs fn against a fresh batch and commits it.
func (db *DB) update(ctx context.Context, fn func(b *pebble.Batch) error) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := fn(b); err != nil {
		return err
	}
	return db.CommitBatch(ctx, b)
}

// Set writes one key.
func (db *DB) Set(key, value []byte) error {
	start := time.Now()
	err := db.update(context.Background(), func(b *pebble.Batch) error {
		return b.Set(key, value, nil)
	})
	if err == nil {
		db.metrics.ObserveWrite(time.Since(start), len(key)+len(value))
	}
	return err
}

// Delete removes one key.
func (db *DB) Delete(key []byte) error {
	return db.update(context.Background(), func(b *pebble.Batch) error {
		return b.Delete(key, nil)
	})
}

// DeleteRange removes every key in [start, end) with a single range
// tombstone. Open snapshots keep seeing the deleted keys.
func (db *DB) DeleteRange(ctx context.Context, start, end []byte) error {
	return db.update(ctx, func(b *pebble.Batch) error {
		return b.DeleteRange(start, end, nil)
	})
}

// Get returns a copy of the value for key, or ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) { return get(db.inner, key, db.metrics) }

// NewIter creates a raw iterator. PrefixBounds builds options for one key
// prefix.
func (db *DB) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	return db.inner.NewIter(opts)
}

// NewSnapshot pins a point-in-time view. Close it when done.
func (db *DB) NewSnapshot() *Snapshot {
	return &Snapshot{inner: db.inner.NewSnapshot(), metrics: db.metrics}
}

// Snapshot is a point-in-time read view.
type Snapshot struct {
	inner   *pebble.Snapshot
	metrics MetricsHook
}

// Get returns a copy of the value for key as of the snapshot.
func (s *Snapshot) Get(key []byte) ([]byte, error) { return get(s.inner, key, s.metrics) }

func (s *Snapshot) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	return s.inner.NewIter(opts)
}

func (s *Snapshot) Close() error { return s.inner.Close() }

func get(r pebble.Reader, key []byte, m MetricsHook) ([]byte, error) {
	start := time.Now()
	val, closer, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	m.ObserveRead(time.Since(start), len(out))
	return out, nil
}

// IsNotFound reports whether err is a missing-key error.
func IsNotFound(err error) bool { return errors.Is(err, pebble.ErrNotFound) }

// PrefixEnd returns the smallest key greater than every key with prefix p,
// or nil when no such key exists.
func PrefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// PrefixBounds returns iterator options covering exactly the keys with
// prefix p.
func PrefixBounds(p []byte) *pebble.IterOptions {
	return &pebble.IterOptions{LowerBound: p, UpperBound: PrefixEnd(p)}
}
