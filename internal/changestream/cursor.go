package changestream

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/resumetoken"
	"github.com/rzbill/changeflo/internal/streamerr"
	"github.com/rzbill/changeflo/pkg/log"
)

// ErrClosed is returned by Next once the cursor is closed.
var ErrClosed = errors.New("change stream cursor is closed")

// State of a cursor.
type State int

const (
	StateInitializing State = iota
	StateActive
	StateTailing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateTailing:
		return "tailing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Cursor reads one incarnation's events in order. Reads are serialized;
// Close may be called from any goroutine at any time.
type Cursor struct {
	id        string
	w         *Watcher
	tenant    string
	epoch     uint64
	coll      *changecoll.Collection
	target    Target
	filter    celFilter
	batchSize int

	readMu sync.Mutex

	mu       sync.Mutex
	state    State
	pos      changecoll.Position // last scanned
	emitted  changecoll.Position // last emitted, pinned against truncation
	token    resumetoken.Token
	buf      []changecoll.Event
	draining bool // an invalidating event is buffered last
	err      error

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Tenant returns the tenant the cursor is bound to.
func (c *Cursor) Tenant() string { return c.tenant }

// Epoch returns the incarnation the cursor is bound to.
func (c *Cursor) Epoch() uint64 { return c.epoch }

// State returns the current state.
func (c *Cursor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error of a failed cursor.
func (c *Cursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ResumeToken returns the token of the last emitted event, or of the start
// position when nothing was emitted yet.
func (c *Cursor) ResumeToken() resumetoken.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// TryNext returns the next event if one is available now. It returns
// (nil, nil) when caught up or closed.
func (c *Cursor) TryNext(ctx context.Context) (*changecoll.Event, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		more, err := c.fill(ctx)
		if err != nil {
			return nil, err
		}
		if ev := c.pop(); ev != nil || !more {
			return ev, nil
		}
	}
}

// HasNext blocks until an event is available (true), the cursor is closed
// (false), or reading fails. Waiting is not bounded by any timeout; cancel
// ctx or Close the cursor to stop it.
func (c *Cursor) HasNext(ctx context.Context) (bool, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.hasNext(ctx)
}

func (c *Cursor) hasNext(ctx context.Context) (bool, error) {
	for {
		changed := c.coll.Changed()
		more, err := c.fill(ctx)
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		n, st := len(c.buf), c.state
		c.mu.Unlock()
		if n > 0 {
			return true, nil
		}
		if st == StateClosed {
			return false, nil
		}
		if more {
			continue
		}
		select {
		case <-changed:
		case <-c.coll.Done():
		case <-c.closeCh:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Next blocks for the next event. It returns ErrClosed once the cursor is
// closed, including after emitting an invalidating event.
func (c *Cursor) Next(ctx context.Context) (changecoll.Event, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	ok, err := c.hasNext(ctx)
	if err != nil {
		return changecoll.Event{}, err
	}
	if !ok {
		return changecoll.Event{}, ErrClosed
	}
	ev := c.pop()
	if ev == nil {
		return changecoll.Event{}, ErrClosed
	}
	return *ev, nil
}

// fill checks liveness and, when the buffer is empty, scans one batch. more
// reports a full batch, so further events may follow even if the filter
// rejected all of these. Callers hold readMu.
func (c *Cursor) fill(ctx context.Context) (more bool, err error) {
	c.mu.Lock()
	switch c.state {
	case StateFailed:
		err := c.err
		c.mu.Unlock()
		return false, err
	case StateClosed:
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()

	// A disabled incarnation kills the cursor even with events buffered.
	if c.coll.Destroyed() {
		return false, c.fail(streamerr.QueryPlanKilled("change stream incarnation %s/%d was disabled", c.tenant, c.epoch))
	}

	c.mu.Lock()
	if len(c.buf) > 0 {
		c.mu.Unlock()
		return false, nil
	}
	pos := c.pos
	c.mu.Unlock()

	events, err := c.coll.ScanFrom(ctx, c.epoch, pos, c.batchSize)
	if err != nil {
		if streamerr.IsTerminal(err) {
			return false, c.fail(err)
		}
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.state == StateFailed {
		return false, c.err
	}
	for _, ev := range events {
		c.pos = ev.Position()
		if c.target.Invalidates(ev) {
			c.buf = append(c.buf, ev)
			c.draining = true
			break
		}
		if c.target.Matches(ev) && c.filter.Eval(ev) {
			c.buf = append(c.buf, ev)
		}
	}
	c.coll.Pin(c.id, c.emitted)
	more = len(events) == c.batchSize && !c.draining
	if len(c.buf) == 0 && !more {
		c.state = StateTailing
	}
	return more, nil
}

// pop removes and returns the head of the buffer. Emitting the final
// invalidating event closes the cursor.
func (c *Cursor) pop() *changecoll.Event {
	c.mu.Lock()
	if len(c.buf) == 0 || c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return nil
	}
	ev := c.buf[0]
	c.buf = c.buf[1:]
	c.token = c.w.codec.Encode(resumetoken.FromEvent(ev))
	c.emitted = ev.Position()
	c.coll.Pin(c.id, c.emitted)
	c.state = StateActive
	last := c.draining && len(c.buf) == 0
	c.mu.Unlock()
	if last {
		c.w.logger.Debug("change stream invalidated", log.Tenant(c.tenant), log.Str("target", c.target.String()), log.Str("op", string(ev.OpType)))
		c.finish(StateClosed, nil)
	}
	return &ev
}

func (c *Cursor) fail(err error) error {
	c.finish(StateFailed, err)
	return err
}

// Close stops the cursor. Emitted events and issued tokens stay valid.
func (c *Cursor) Close() error {
	c.finish(StateClosed, nil)
	return nil
}

func (c *Cursor) finish(state State, err error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.err = err
	c.buf = nil
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closeCh) })
	c.coll.Unpin(c.id)
	c.w.observer.ObserveCursorEnd(c.tenant, state, err)
}
