// Package lifecycle enables and disables change streams per tenant.
//
// Both transitions go through the oplog as control entries so the
// demultiplexer applies them in commit order with the tenant's data.
package lifecycle

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/oplog"
	"github.com/rzbill/changeflo/internal/streamerr"
	"github.com/rzbill/changeflo/internal/tenant"
	"github.com/rzbill/changeflo/pkg/log"
	"github.com/rzbill/changeflo/pkg/optime"
)

// Applier makes the oplog applied through ts visible.
type Applier interface {
	CatchUp(ctx context.Context, ts optime.Timestamp) error
}

// State describes a tenant's change stream configuration.
type State struct {
	Tenant  string           `json:"tenant"`
	Enabled bool             `json:"enabled"`
	Epoch   uint64           `json:"epoch,omitempty"`
	StartTs optime.Timestamp `json:"startTs,omitempty"`
}

// Manager serializes lifecycle transitions per tenant.
type Manager struct {
	oplog  *oplog.Log
	store  *changecoll.Store
	demux  Applier
	logger log.Logger

	locks sync.Map // tenant id -> *sync.Mutex
}

// New returns a Manager.
func New(ol *oplog.Log, store *changecoll.Store, demux Applier, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{oplog: ol, store: store, demux: demux, logger: logger.WithComponent("lifecycle")}
}

func (m *Manager) lock(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// State returns the tenant's configuration.
func (m *Manager) State(id string) (State, error) {
	if err := tenant.ValidateID(id); err != nil {
		return State{}, streamerr.InvalidOptions("%v", err)
	}
	meta, err := m.store.Meta(id)
	if err != nil {
		return State{}, err
	}
	return stateOf(id, meta), nil
}

func stateOf(id string, meta tenant.Meta) State {
	return State{Tenant: id, Enabled: meta.Enabled, Epoch: meta.Epoch, StartTs: meta.StartTs}
}

// SetEnabled turns change streams on or off for the tenant. Enabling mints
// a new, empty incarnation; disabling destroys the current one with all of
// its events, tokens and cursors. Requests matching the current state are
// no-ops.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) (State, error) {
	if err := tenant.ValidateID(id); err != nil {
		return State{}, streamerr.InvalidOptions("%v", err)
	}
	unlock := m.lock(id)
	defer unlock()

	meta, err := m.store.Meta(id)
	if err != nil {
		return State{}, err
	}
	if meta.Enabled == enabled {
		return stateOf(id, meta), nil
	}

	op := oplog.OpDisableChangeStream
	if enabled {
		op = oplog.OpEnableChangeStream
	}
	tss, err := m.oplog.Append(ctx, oplog.Entry{Tenant: id, Ops: []oplog.Op{{Type: op}}})
	if err != nil {
		return State{}, errors.Wrapf(err, "lifecycle: %s %s", op, id)
	}
	if err := m.demux.CatchUp(ctx, tss[0]); err != nil {
		return State{}, errors.Wrapf(err, "lifecycle: apply %s %s", op, id)
	}
	meta, err = m.store.Meta(id)
	if err != nil {
		return State{}, err
	}
	m.logger.Info("change streams "+map[bool]string{true: "enabled", false: "disabled"}[enabled],
		log.Tenant(id), log.Uint64("epoch", meta.Epoch), log.Stringer("ts", tss[0]))
	return stateOf(id, meta), nil
}
