package changestreamsvc

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"gopkg.in/tomb.v2"

	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/streamerr"
	logpkg "github.com/rzbill/changeflo/pkg/log"
)

type cursorEntry struct {
	id     string
	tenant string
	cur    *changestream.Cursor
	// mu serializes getMore calls on one cursor.
	mu       sync.Mutex
	lastUsed time.Time
}

type registry struct {
	clock       clock.Clock
	idleTimeout time.Duration
	max         int
	logger      logpkg.Logger

	mu      sync.Mutex
	entries map[string]*cursorEntry
	closed  bool

	tomb tomb.Tomb
}

func newRegistry(clk clock.Clock, idle time.Duration, max int, logger logpkg.Logger) *registry {
	if clk == nil {
		clk = clock.WallClock
	}
	r := &registry{clock: clk, idleTimeout: idle, max: max, logger: logger, entries: map[string]*cursorEntry{}}
	if idle > 0 {
		r.tomb.Go(r.reap)
	}
	return r
}

func (r *registry) add(tenant string, cur *changestream.Cursor) (*cursorEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("changestreams: service closed")
	}
	if r.max > 0 && len(r.entries) >= r.max {
		return nil, streamerr.InvalidOptions("too many open cursors (max %d)", r.max)
	}
	e := &cursorEntry{id: uuid.NewString(), tenant: tenant, cur: cur, lastUsed: r.clock.Now()}
	r.entries[e.id] = e
	return e, nil
}

// get returns the entry only to its own tenant; other tenants cannot tell
// the id exists.
func (r *registry) get(tenant, id string) (*cursorEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.tenant != tenant {
		return nil, streamerr.CursorNotFound("cursor %q not found", id)
	}
	e.lastUsed = r.clock.Now()
	return e, nil
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ok {
		_ = e.cur.Close()
	}
}

func (r *registry) touch(e *cursorEntry) {
	r.mu.Lock()
	e.lastUsed = r.clock.Now()
	r.mu.Unlock()
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *registry) reap() error {
	interval := r.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	for {
		select {
		case <-r.tomb.Dying():
			return nil
		case <-r.clock.After(interval):
		}
		r.reapIdle()
	}
}

func (r *registry) reapIdle() {
	now := r.clock.Now()
	r.mu.Lock()
	var idle []*cursorEntry
	for id, e := range r.entries {
		if now.Sub(e.lastUsed) >= r.idleTimeout {
			idle = append(idle, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()
	for _, e := range idle {
		r.logger.Debug("reaping idle cursor", logpkg.Tenant(e.tenant), logpkg.Str("cursor", e.id))
		_ = e.cur.Close()
	}
}

func (r *registry) close() error {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = map[string]*cursorEntry{}
	r.mu.Unlock()
	for _, e := range entries {
		_ = e.cur.Close()
	}
	r.tomb.Kill(nil)
	if r.idleTimeout > 0 {
		return r.tomb.Wait()
	}
	return nil
}

// OpenCursor opens a server-side cursor and returns its first batch
// without waiting for new events. An empty CursorID in the result means
// the stream already ended.
func (s *Service) OpenCursor(ctx context.Context, req WatchRequest) (CursorBatch, error) {
	cur, n, err := s.open(ctx, req)
	if err != nil {
		return CursorBatch{}, err
	}
	e, err := s.cursors.add(req.Tenant, cur)
	if err != nil {
		_ = cur.Close()
		return CursorBatch{}, err
	}
	s.logger.Debug("cursor opened", logpkg.Tenant(req.Tenant), logpkg.Str("cursor", e.id))
	return s.nextBatch(ctx, e, n, 0)
}

// GetMore returns the next batch of a cursor. When nothing is buffered it
// waits up to maxAwait for new events; an empty batch is not an error.
func (s *Service) GetMore(ctx context.Context, tenantID, id string, batchSize int, maxAwait time.Duration) (CursorBatch, error) {
	n, err := s.batchSize(batchSize)
	if err != nil {
		return CursorBatch{}, err
	}
	e, err := s.cursors.get(tenantID, id)
	if err != nil {
		return CursorBatch{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	defer s.cursors.touch(e)
	return s.nextBatch(ctx, e, n, maxAwait)
}

// KillCursor closes a server-side cursor and releases its pin.
func (s *Service) KillCursor(_ context.Context, tenantID, id string) error {
	if _, err := s.cursors.get(tenantID, id); err != nil {
		return err
	}
	s.cursors.remove(id)
	return nil
}

func (s *Service) nextBatch(ctx context.Context, e *cursorEntry, n int, maxAwait time.Duration) (CursorBatch, error) {
	docs, err := s.collect(ctx, e.cur, n, maxAwait)
	if err != nil {
		s.cursors.remove(e.id)
		return CursorBatch{}, err
	}
	b := CursorBatch{
		CursorID:             e.id,
		Tenant:               e.tenant,
		Documents:            docs,
		PostBatchResumeToken: e.cur.ResumeToken(),
	}
	if e.cur.State() == changestream.StateClosed {
		s.cursors.remove(e.id)
		b.CursorID = ""
	}
	return b, nil
}

func (s *Service) collect(ctx context.Context, cur *changestream.Cursor, n int, maxAwait time.Duration) ([]changestream.Document, error) {
	docs := make([]changestream.Document, 0)
	drain := func() error {
		for len(docs) < n {
			ev, err := cur.TryNext(ctx)
			if err != nil {
				return err
			}
			if ev == nil {
				return nil
			}
			docs = append(docs, cur.Document(*ev))
		}
		return nil
	}
	if err := drain(); err != nil {
		return nil, err
	}
	if len(docs) > 0 || maxAwait <= 0 || cur.State() == changestream.StateClosed {
		return docs, nil
	}
	wctx, cancel := context.WithTimeout(ctx, maxAwait)
	defer cancel()
	ok, err := cur.HasNext(wctx)
	switch {
	case err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		return docs, nil
	case err != nil:
		return nil, err
	case !ok:
		return docs, nil
	}
	if err := drain(); err != nil {
		return nil, err
	}
	return docs, nil
}
