package runtime

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/juju/clock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/changestream"
	cfgpkg "github.com/rzbill/changeflo/internal/config"
	"github.com/rzbill/changeflo/internal/demux"
	"github.com/rzbill/changeflo/internal/export"
	"github.com/rzbill/changeflo/internal/lifecycle"
	"github.com/rzbill/changeflo/internal/oplog"
	"github.com/rzbill/changeflo/internal/resumetoken"
	"github.com/rzbill/changeflo/internal/retention"
	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/internal/telemetry"
	"github.com/rzbill/changeflo/pkg/log"
	"github.com/rzbill/changeflo/pkg/optime"
)

// Options for building the Runtime.
type Options struct {
	// DataDir and Fsync override Config when set.
	DataDir string
	Fsync   pebblestore.FsyncMode
	Config  cfgpkg.Config
	Logger  log.Logger
	Clock   clock.Clock
	// MetricReaders are attached to the meter provider in addition to the
	// configured exporter.
	MetricReaders []sdkmetric.Reader
	// ExportWriter replaces the Kafka writer built from Config.Export.
	ExportWriter export.Writer
}

// Runtime wires storage, the change stream core and its background
// workers for a single-node instance.
type Runtime struct {
	db        *pebblestore.DB
	config    cfgpkg.Config
	logger    log.Logger
	clock     clock.Clock
	providers *telemetry.Providers
	metrics   *telemetry.Metrics

	oplog     *oplog.Log
	store     *changecoll.Store
	demux     *demux.Demux
	watcher   *changestream.Watcher
	lifecycle *lifecycle.Manager
	retention *retention.Worker
	exporter  *export.Exporter

	mu      sync.Mutex
	started bool
	closed  bool
}

// Open initializes storage, replays the oplog into change collections and
// returns an idle Runtime. Call Start to run the background workers.
func Open(opts Options) (*Runtime, error) {
	ctx := context.Background()
	cfg := opts.Config
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	fsync := opts.Fsync
	if fsync == pebblestore.FsyncModeUnspecified {
		fsync = pebblestore.ParseFsyncMode(cfg.Fsync)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	providers, err := telemetry.NewProviders(ctx, cfg.Telemetry, opts.MetricReaders...)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		_ = providers.Shutdown(ctx)
		return nil, err
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: cfg.DataDir,
		Fsync:   fsync,
		Metrics: metrics,
		Logger:  log.Printf(logger.WithComponent("pebble")),
	})
	if err != nil {
		_ = providers.Shutdown(ctx)
		return nil, err
	}
	rt := &Runtime{db: db, config: cfg, logger: logger, clock: clk, providers: providers, metrics: metrics}
	if err := rt.wire(ctx, opts); err != nil {
		_ = db.Close()
		_ = providers.Shutdown(ctx)
		return nil, err
	}
	return rt, nil
}

func (r *Runtime) wire(ctx context.Context, opts Options) error {
	cfg := r.config
	var err error
	if r.oplog, err = oplog.Open(r.db, optime.NewClock(r.clock), r.logger); err != nil {
		return err
	}
	if r.store, err = changecoll.Open(r.db, changecoll.Options{Logger: r.logger, Clock: r.clock, Observer: r.metrics}); err != nil {
		return err
	}
	r.demux, err = demux.New(r.db, r.oplog, r.store, demux.Options{
		Logger:          r.logger,
		BatchSize:       cfg.Streams.DemuxBatchSize,
		RetryMaxElapsed: cfg.Streams.DemuxRetryLimit,
	})
	if err != nil {
		return err
	}
	// Entries committed before a crash but not yet applied.
	if err := r.demux.CatchUp(ctx, r.oplog.CurrentClusterTime()); err != nil {
		return errors.Wrap(err, "replay oplog")
	}

	key, err := tokenKey(r.db, cfg.Streams.TokenKey)
	if err != nil {
		return err
	}
	codec, err := resumetoken.NewCodec(key)
	if err != nil {
		return err
	}
	r.watcher = changestream.NewWatcher(r.store, r.oplog, codec, changestream.WatcherOptions{Logger: r.logger, Observer: r.metrics})
	r.lifecycle = lifecycle.New(r.oplog, r.store, r.demux, r.logger)
	r.retention = retention.New(r.store, r.oplog, r.demux, cfg.Retention, retention.Options{Logger: r.logger, Clock: r.clock})

	if cfg.Export.Enabled() {
		w := opts.ExportWriter
		if w == nil {
			w = export.NewKafkaWriter(cfg.Export.Brokers, cfg.Export.Topic, cfg.Export.BatchSize, cfg.Export.BatchTimeout)
		}
		r.exporter = export.New(r.db, r.watcher, w, export.Options{
			Tenants:   cfg.Export.Tenants,
			BatchSize: cfg.Export.BatchSize,
			Logger:    r.logger,
			Clock:     r.clock,
		})
	}
	return nil
}

func tokenKey(db *pebblestore.DB, configured string) ([]byte, error) {
	if configured == "" {
		return resumetoken.LoadOrCreateKey(db)
	}
	key, err := hex.DecodeString(configured)
	if err != nil {
		return nil, errors.Wrap(err, "streams.token_key must be hex")
	}
	return key, nil
}

// Start runs the demultiplexer, retention and the exporter in the
// background.
func (r *Runtime) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	r.demux.Start()
	r.retention.Start()
	if r.exporter != nil {
		r.exporter.Start()
	}
	r.logger.Info("runtime started", log.Str("data_dir", r.config.DataDir), log.Bool("export", r.exporter != nil))
}

// Close stops the workers and closes underlying resources.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs error
	if r.started {
		if r.exporter != nil {
			if err := r.exporter.Stop(); err != nil {
				errs = errors.CombineErrors(errs, err)
			}
		}
		errs = errors.CombineErrors(errs, r.retention.Stop())
		errs = errors.CombineErrors(errs, r.demux.Stop())
	}
	errs = errors.CombineErrors(errs, r.providers.Shutdown(context.Background()))
	errs = errors.CombineErrors(errs, r.db.Close())
	return errs
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	closed, started := r.closed, r.started
	r.mu.Unlock()
	if closed {
		return errors.New("runtime closed")
	}
	if started {
		select {
		case <-r.demux.Dead():
			return errors.New("demux stopped")
		default:
		}
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

func (r *Runtime) Logger() log.Logger              { return r.logger }
func (r *Runtime) Clock() clock.Clock              { return r.clock }
func (r *Runtime) Oplog() *oplog.Log               { return r.oplog }
func (r *Runtime) Store() *changecoll.Store        { return r.store }
func (r *Runtime) Demux() *demux.Demux             { return r.demux }
func (r *Runtime) Watcher() *changestream.Watcher  { return r.watcher }
func (r *Runtime) Lifecycle() *lifecycle.Manager   { return r.lifecycle }
func (r *Runtime) Retention() *retention.Worker    { return r.retention }
func (r *Runtime) Exporter() *export.Exporter      { return r.exporter }
func (r *Runtime) Metrics() *telemetry.Metrics     { return r.metrics }
func (r *Runtime) Providers() *telemetry.Providers { return r.providers }
