package changestreamsvc

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/lifecycle"
	"github.com/rzbill/changeflo/internal/oplog"
	"github.com/rzbill/changeflo/internal/runtime"
	"github.com/rzbill/changeflo/internal/streamerr"
	"github.com/rzbill/changeflo/internal/tenant"
	logpkg "github.com/rzbill/changeflo/pkg/log"
)

// Service exposes change stream operations over a Runtime.
type Service struct {
	rt     *runtime.Runtime
	logger logpkg.Logger

	defaultBatch int
	maxBatch     int
	// flushWindow batches watch sends up to this duration before flushing.
	flushWindow time.Duration
	// sinkBufLen controls the buffered channel size per watcher writer.
	sinkBufLen int

	cursors *registry
}

// New returns a Service using the runtime's logger.
func New(rt *runtime.Runtime) *Service {
	return NewWithLogger(rt, nil)
}

// NewWithLogger returns a Service using the provided logger.
func NewWithLogger(rt *runtime.Runtime, logger logpkg.Logger) *Service {
	if logger == nil {
		logger = rt.Logger()
	}
	logger = logger.WithComponent("changestreams")
	cfg := rt.Config().Streams
	s := &Service{
		rt:           rt,
		logger:       logger,
		defaultBatch: cfg.DefaultBatchSize,
		maxBatch:     cfg.MaxBatchSize,
		flushWindow:  cfg.FlushWindow,
		sinkBufLen:   1024,
	}
	if s.defaultBatch <= 0 {
		s.defaultBatch = changestream.DefaultBatchSize
	}
	if s.maxBatch < s.defaultBatch {
		s.maxBatch = s.defaultBatch
	}
	s.cursors = newRegistry(rt.Clock(), cfg.CursorIdleTimeout, cfg.MaxCursors, logger)
	return s
}

// Close kills every server-side cursor and stops the idle reaper.
func (s *Service) Close() error {
	return s.cursors.close()
}

func (s *Service) batchSize(n int) (int, error) {
	switch {
	case n < 0:
		return 0, streamerr.InvalidOptions("batchSize must not be negative")
	case n == 0:
		return s.defaultBatch, nil
	case n > s.maxBatch:
		return s.maxBatch, nil
	}
	return n, nil
}

// Ingest commits ops as one oplog entry of tenant and waits until the
// entry has been applied to the tenant's change collection. Control ops
// are rejected; use SetChangeStreamState.
func (s *Service) Ingest(ctx context.Context, tenantID string, ops []oplog.Op) (IngestResult, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return IngestResult{}, streamerr.InvalidOptions("%v", err)
	}
	for _, op := range ops {
		if op.Type.IsControl() {
			return IngestResult{}, streamerr.InvalidOptions("%s is not a data op", op.Type)
		}
	}
	e := oplog.Entry{Tenant: tenantID, Ops: ops}
	if err := e.Validate(); err != nil {
		return IngestResult{}, streamerr.Wrap(err, streamerr.KindInvalidOptions, "ingest")
	}
	tss, err := s.rt.Oplog().Append(ctx, e)
	if err != nil {
		return IngestResult{}, err
	}
	if err := s.rt.Demux().CatchUp(ctx, tss[0]); err != nil {
		return IngestResult{}, errors.Wrap(err, "ingest: apply")
	}
	return IngestResult{ClusterTime: tss[0], Ops: len(ops)}, nil
}

// SetChangeStreamState enables or disables change streams for a tenant.
func (s *Service) SetChangeStreamState(ctx context.Context, tenantID string, enabled bool) (lifecycle.State, error) {
	return s.rt.Lifecycle().SetEnabled(ctx, tenantID, enabled)
}

// ChangeStreamState reports whether change streams are enabled for a tenant.
func (s *Service) ChangeStreamState(_ context.Context, tenantID string) (lifecycle.State, error) {
	return s.rt.Lifecycle().State(tenantID)
}

// CollectionStats returns the tenant's current change collection stats.
func (s *Service) CollectionStats(_ context.Context, tenantID string) (changecoll.Stats, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return changecoll.Stats{}, streamerr.InvalidOptions("%v", err)
	}
	coll, ok := s.rt.Store().Current(tenantID)
	if !ok {
		return changecoll.Stats{}, streamerr.NotEnabled("change streams are not enabled for tenant %q", tenantID)
	}
	return coll.Stats()
}

// ListCollections returns stats for every live change collection, ordered
// by tenant.
func (s *Service) ListCollections(_ context.Context) ([]changecoll.Stats, error) {
	colls := s.rt.Store().Collections()
	out := make([]changecoll.Stats, 0, len(colls))
	for _, c := range colls {
		st, err := c.Stats()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out, nil
}

func (s *Service) open(ctx context.Context, req WatchRequest) (*changestream.Cursor, int, error) {
	n, err := s.batchSize(req.BatchSize)
	if err != nil {
		return nil, 0, err
	}
	cur, err := s.rt.Watcher().Open(ctx, req.Tenant, req.options(n))
	if err != nil {
		return nil, 0, err
	}
	return cur, n, nil
}
