package changecoll

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/juju/clock"

	"github.com/rzbill/changeflo/internal/oplog"
	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/internal/streamerr"
	"github.com/rzbill/changeflo/internal/tenant"
	"github.com/rzbill/changeflo/pkg/log"
	"github.com/rzbill/changeflo/pkg/optime"
)

// ErrBeforeStart is returned when appending events that do not postdate the
// incarnation's start timestamp.
var ErrBeforeStart = errors.New("changecoll: event predates incarnation start")

// Observer receives append and truncation notifications. Optional.
type Observer interface {
	ObserveAppend(tenant string, events, bytes int)
	ObserveTruncate(tenant string, epoch uint64, through Position, events int)
}

type noopObserver struct{}

func (noopObserver) ObserveAppend(string, int, int)                {}
func (noopObserver) ObserveTruncate(string, uint64, Position, int) {}

// Options configures a Store.
type Options struct {
	Logger   log.Logger
	Clock    clock.Clock
	Observer Observer
}

// Store owns every tenant's current change collection.
type Store struct {
	db       *pebblestore.DB
	logger   log.Logger
	clock    clock.Clock
	observer Observer

	tenants sync.Map // tenant id -> *tenantState
}

type tenantState struct {
	mu   sync.Mutex
	meta tenant.Meta
	cur  *Collection
}

// Open loads every tenant record and the current incarnations from db.
func Open(db *pebblestore.DB, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	s := &Store{
		db:       db,
		logger:   opts.Logger.WithComponent("changecoll"),
		clock:    opts.Clock,
		observer: opts.Observer,
	}
	metas, err := tenant.List(db)
	if err != nil {
		return nil, err
	}
	for _, m := range metas {
		st := &tenantState{meta: m}
		if m.Enabled {
			c, err := s.loadCollection(m.Tenant, m.Epoch, m.StartTs)
			if err != nil {
				return nil, err
			}
			st.cur = c
		}
		s.tenants.Store(m.Tenant, st)
	}
	return s, nil
}

// state returns the tenant's entry, creating it from the stored record.
// Only Create calls it.
func (s *Store) state(id string) (*tenantState, error) {
	if st, ok := s.lookup(id); ok {
		return st, nil
	}
	if err := validID(id); err != nil {
		return nil, err
	}
	m, err := tenant.Load(s.db, id)
	if err != nil {
		return nil, err
	}
	v, _ := s.tenants.LoadOrStore(id, &tenantState{meta: m})
	return v.(*tenantState), nil
}

// lookup returns the tenant's entry if it has ever been enabled. Open loads
// every stored record, so a miss means the tenant has no record.
func (s *Store) lookup(id string) (*tenantState, bool) {
	v, ok := s.tenants.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*tenantState), true
}

func validID(id string) error {
	if err := tenant.ValidateID(id); err != nil {
		return streamerr.InvalidOptions("%v", err)
	}
	return nil
}

// Meta returns the tenant's incarnation record.
func (s *Store) Meta(id string) (tenant.Meta, error) {
	st, ok := s.lookup(id)
	if !ok {
		if err := validID(id); err != nil {
			return tenant.Meta{}, err
		}
		return tenant.Meta{Tenant: id}, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.meta, nil
}

// Current returns the tenant's current incarnation, if enabled.
func (s *Store) Current(id string) (*Collection, bool) {
	st, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cur, st.cur != nil
}

// Collections returns every current incarnation ordered by tenant.
func (s *Store) Collections() []*Collection {
	var out []*Collection
	s.tenants.Range(func(_, v any) bool {
		st := v.(*tenantState)
		st.mu.Lock()
		if st.cur != nil {
			out = append(out, st.cur)
		}
		st.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].tenant < out[j].tenant })
	return out
}

// Create mints incarnation epoch for the tenant, starting empty at startTs.
// Re-creating the current epoch is a no-op so control entries can be
// replayed.
func (s *Store) Create(ctx context.Context, id string, epoch uint64, startTs optime.Timestamp) (*Collection, error) {
	st, err := s.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.meta.Enabled {
		if st.meta.Epoch == epoch {
			return st.cur, nil
		}
		return nil, streamerr.IncarnationMismatch("tenant %s already has incarnation %d", id, st.meta.Epoch)
	}
	if epoch <= st.meta.LastEpoch {
		return nil, streamerr.IncarnationMismatch("tenant %s: epoch %d does not follow last epoch %d", id, epoch, st.meta.LastEpoch)
	}

	m := st.meta
	m.Tenant = id
	m.Enabled = true
	m.Epoch = epoch
	m.LastEpoch = epoch
	m.StartTs = startTs
	m.ControlTs = startTs
	m.UpdatedAtMs = s.clock.Now().UnixMilli()

	b := s.db.NewBatch()
	defer b.Close()
	if err := tenant.Put(b, m); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, errors.Wrapf(err, "create incarnation %s/%d", id, epoch)
	}
	st.meta = m
	st.cur = newCollection(s, id, epoch, startTs)
	s.logger.Info("incarnation created", log.Tenant(id), log.Uint64("epoch", epoch), log.Stringer("start_ts", startTs))
	return st.cur, nil
}

// Destroy removes the tenant's current incarnation and all of its events.
// Waiters are woken with the collection marked destroyed before any data is
// deleted. Destroying a disabled tenant is a no-op.
func (s *Store) Destroy(ctx context.Context, id string, epoch uint64, ts optime.Timestamp) error {
	st, ok := s.lookup(id)
	if !ok {
		return validID(id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.meta.Enabled {
		return nil
	}
	if st.meta.Epoch != epoch {
		return streamerr.IncarnationMismatch("tenant %s: destroy epoch %d, current %d", id, epoch, st.meta.Epoch)
	}
	c := st.cur
	c.truncMu.Lock()
	defer c.truncMu.Unlock()
	c.markDestroyed()

	m := st.meta
	m.Enabled = false
	m.Epoch = 0
	m.StartTs = 0
	m.ControlTs = ts
	m.UpdatedAtMs = s.clock.Now().UnixMilli()

	b := s.db.NewBatch()
	defer b.Close()
	if err := tenant.Put(b, m); err != nil {
		return err
	}
	if err := b.DeleteRange(c.prefix, pebblestore.PrefixEnd(c.prefix), nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return errors.Wrapf(err, "destroy incarnation %s/%d", id, epoch)
	}
	st.meta = m
	st.cur = nil
	s.logger.Info("incarnation destroyed", log.Tenant(id), log.Uint64("epoch", epoch))
	return nil
}

// Append adds the ops committed at ts to the tenant's current incarnation,
// with ordinals 0..n-1. It returns the number of events written; replayed
// timestamps write nothing.
func (s *Store) Append(ctx context.Context, id string, ts optime.Timestamp, ops ...oplog.Op) (int, error) {
	st, ok := s.lookup(id)
	if !ok {
		if err := validID(id); err != nil {
			return 0, err
		}
		return 0, streamerr.NotEnabled("change streams are not enabled for tenant %s", id)
	}
	st.mu.Lock()
	c := st.cur
	st.mu.Unlock()
	if c == nil {
		return 0, streamerr.NotEnabled("change streams are not enabled for tenant %s", id)
	}
	return c.append(ctx, ts, ops)
}
