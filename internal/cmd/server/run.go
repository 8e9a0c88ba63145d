package serverrun

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"

	cfgpkg "github.com/rzbill/changeflo/internal/config"
	"github.com/rzbill/changeflo/internal/runtime"
	grpcserver "github.com/rzbill/changeflo/internal/server/grpc"
	httpserver "github.com/rzbill/changeflo/internal/server/http"
	changestreamsvc "github.com/rzbill/changeflo/internal/services/changestreams"
	logpkg "github.com/rzbill/changeflo/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
	// HTTPListener and GRPCListener replace Config.HTTPAddr and
	// Config.GRPCAddr when set.
	HTTPListener net.Listener
	GRPCListener net.Listener
}

// Run starts the runtime with its gRPC and HTTP servers and blocks until ctx
// is cancelled or a server fails.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	procLogger := opts.Logger
	if procLogger == nil {
		l, err := logpkg.ApplyConfig(cfg.Log)
		if err != nil {
			return errors.Wrap(err, "log config")
		}
		procLogger = l
	}
	restore := logpkg.RedirectStdLog(procLogger)
	defer restore()

	procLogger.Info("starting changeflo server",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("grpc", cfg.GRPCAddr),
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("fsync", cfg.Fsync),
		logpkg.Duration("flush_window", cfg.Streams.FlushWindow),
		logpkg.Bool("export", cfg.Export.Enabled()),
	)

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: procLogger})
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.Start()

	svc := changestreamsvc.NewWithLogger(rt, procLogger.With(logpkg.Component("changestreams")))
	defer svc.Close()
	gsrv := grpcserver.New(rt, svc)
	hsrv := httpserver.New(rt, svc)

	sctx, cancel := context.WithCancel(sctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(name string, err error) {
		if err == nil || sctx.Err() != nil {
			return
		}
		procLogger.Error(name+" server error", logpkg.Err(err))
		errMu.Lock()
		if firstErr == nil {
			firstErr = errors.Wrapf(err, "%s server", name)
		}
		errMu.Unlock()
		cancel()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if opts.GRPCListener != nil {
			fail("grpc", gsrv.Serve(sctx, opts.GRPCListener))
			return
		}
		fail("grpc", gsrv.ListenAndServe(sctx, cfg.GRPCAddr))
	}()
	go func() {
		defer wg.Done()
		if opts.HTTPListener != nil {
			fail("http", hsrv.Serve(sctx, opts.HTTPListener))
			return
		}
		fail("http", hsrv.ListenAndServe(sctx, cfg.HTTPAddr))
	}()

	<-sctx.Done()
	// Servers stop before the runtime closes the store underneath them.
	gsrv.Close()
	hsrv.Close()
	wg.Wait()
	procLogger.Info("changeflo server stopped")
	return firstErr
}
