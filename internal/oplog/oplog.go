// Package oplog is the shared, globally ordered replication log every tenant
// commits into. Entries carry strictly increasing timestamps from a logical
// clock and are persisted in Pebble; consumers read ascending ranges and wait
// on appends.
package oplog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/rzbill/changeflo/internal/record"
	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/pkg/log"
	"github.com/rzbill/changeflo/pkg/optime"
)

// ErrTruncated is returned when a read starts behind the truncation watermark.
var ErrTruncated = errors.New("oplog: requested range was truncated")

// Log is the pebble-backed oplog.
type Log struct {
	db     *pebblestore.DB
	clock  *optime.Clock
	logger log.Logger

	mu        sync.Mutex
	last      optime.Timestamp
	truncated optime.Timestamp
	notifyCh  chan struct{}
}

// Open loads the oplog state from db and advances clk past the last entry.
func Open(db *pebblestore.DB, clk *optime.Clock, logger log.Logger) (*Log, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	l := &Log{
		db:       db,
		clock:    clk,
		logger:   logger.WithComponent("oplog"),
		notifyCh: make(chan struct{}),
	}
	if b, err := db.Get(keyMeta); err == nil && len(b) >= 8 {
		l.last = optime.Timestamp(binary.BigEndian.Uint64(b))
	} else if err != nil && !pebblestore.IsNotFound(err) {
		return nil, errors.Wrap(err, "oplog: load meta")
	}
	if b, err := db.Get(keyTruncated); err == nil && len(b) >= 8 {
		l.truncated = optime.Timestamp(binary.BigEndian.Uint64(b))
	} else if err != nil && !pebblestore.IsNotFound(err) {
		return nil, errors.Wrap(err, "oplog: load truncation watermark")
	}
	clk.Observe(l.last)
	return l, nil
}

type payload struct {
	Ops []Op `json:"ops"`
}

// Append commits entries atomically, assigning each a fresh timestamp in
// order. The entries' Ts fields are ignored.
func (l *Log) Append(ctx context.Context, entries ...Entry) ([]optime.Timestamp, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	tss := make([]optime.Timestamp, len(entries))
	for i, e := range entries {
		ts := l.clock.Next()
		val, err := json.Marshal(payload{Ops: e.Ops})
		if err != nil {
			return nil, errors.Wrap(err, "oplog: encode ops")
		}
		if err := b.Set(keyEntry(ts), record.Encode([]byte(e.Tenant), val), nil); err != nil {
			return nil, err
		}
		tss[i] = ts
	}
	last := tss[len(tss)-1]
	if err := b.Set(keyMeta, last.Bytes(), nil); err != nil {
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, errors.Wrap(err, "oplog: commit")
	}
	l.last = last
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return tss, nil
}

// CurrentClusterTime returns the timestamp of the last committed entry.
func (l *Log) CurrentClusterTime() optime.Timestamp {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Changed returns a channel closed by the next append. Capture it before
// reading to avoid missing a wakeup.
func (l *Log) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifyCh
}

// WaitForAppend blocks until an entry newer than after is committed.
func (l *Log) WaitForAppend(ctx context.Context, after optime.Timestamp) error {
	for {
		l.mu.Lock()
		last, ch := l.last, l.notifyCh
		l.mu.Unlock()
		if last > after {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReadRange returns up to limit entries with timestamps strictly greater
// than after, ascending. limit <= 0 means no limit.
func (l *Log) ReadRange(ctx context.Context, after optime.Timestamp, limit int) ([]Entry, error) {
	l.mu.Lock()
	truncated := l.truncated
	l.mu.Unlock()
	if after < truncated {
		return nil, errors.Wrapf(ErrTruncated, "read after %s, truncated through %s", after, truncated)
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: keyEntry(after + 1),
		UpperBound: pebblestore.PrefixEnd(entryPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Entry
	for ok := iter.First(); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dec, ok := record.Decode(iter.Value())
		if !ok {
			return nil, errors.Newf("oplog: corrupt entry at %s", tsFromKey(iter.Key()))
		}
		var p payload
		if err := json.Unmarshal(dec.Payload, &p); err != nil {
			return nil, errors.Wrapf(err, "oplog: decode entry at %s", tsFromKey(iter.Key()))
		}
		out = append(out, Entry{Ts: tsFromKey(iter.Key()), Tenant: string(dec.Header), Ops: p.Ops})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// FirstTimestamp returns the oldest retained entry timestamp.
func (l *Log) FirstTimestamp() (optime.Timestamp, bool) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: entryPrefix,
		UpperBound: pebblestore.PrefixEnd(entryPrefix),
	})
	if err != nil {
		return 0, false
	}
	defer iter.Close()
	if !iter.First() {
		return 0, false
	}
	return tsFromKey(iter.Key()), true
}

// TruncateBefore deletes entries with timestamps below ts. Callers must not
// truncate past entries a consumer still needs.
func (l *Log) TruncateBefore(ctx context.Context, ts optime.Timestamp) error {
	if ts.IsZero() {
		return nil
	}
	l.mu.Lock()
	through := ts.Prev()
	if through <= l.truncated {
		l.mu.Unlock()
		return nil
	}
	l.truncated = through
	l.mu.Unlock()

	if err := l.db.Set(keyTruncated, through.Bytes()); err != nil {
		return errors.Wrap(err, "oplog: persist truncation watermark")
	}
	if err := l.db.DeleteRange(ctx, entryPrefix, keyEntry(ts)); err != nil {
		return errors.Wrap(err, "oplog: truncate")
	}
	l.logger.Debug("oplog truncated", log.Stringer("before", ts))
	return nil
}
