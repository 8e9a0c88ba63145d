package serverrun

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/changeflo/internal/config"
	logpkg "github.com/rzbill/changeflo/pkg/log"
)

func testConfig(t *testing.T) cfgpkg.Config {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "never"
	return cfg
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return l
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fsync = "sometimes"
	err := Run(context.Background(), Options{Config: cfg, Logger: logpkg.NewNopLogger()})
	if err == nil || !strings.Contains(err.Error(), "fsync") {
		t.Fatalf("expected fsync validation error, got %v", err)
	}
}

func TestRunRejectsBadLogConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Format = "xml"
	if err := Run(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatalf("expected log config error")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	hl, gl := listen(t), listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			Config:       testConfig(t),
			Logger:       logpkg.NewNopLogger(),
			HTTPListener: hl,
			GRPCListener: gl,
		})
	}()

	url := "http://" + hl.Addr().String() + "/v1/healthz"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestRunFailsWhenAddressTaken(t *testing.T) {
	taken := listen(t)
	defer taken.Close()
	cfg := testConfig(t)
	cfg.HTTPAddr = taken.Addr().String()
	cfg.GRPCAddr = "127.0.0.1:0"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := Run(ctx, Options{Config: cfg, Logger: logpkg.NewNopLogger()})
	if err == nil || !strings.Contains(err.Error(), "http server") {
		t.Fatalf("expected http bind error, got %v", err)
	}
}
