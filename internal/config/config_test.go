package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestDefault(t *testing.T) {
	c := qt.New(t)
	cfg := Default()
	c.Assert(cfg.Validate(), qt.IsNil)
	c.Assert(cfg.Fsync, qt.Equals, "always")
	c.Assert(cfg.Retention.ExpireAfter, qt.Equals, 24*time.Hour)
	c.Assert(cfg.Export.Enabled(), qt.IsFalse)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	c := qt.New(t)
	cfg, err := Load("")
	c.Assert(err, qt.IsNil)
	c.Assert(cfg, qt.DeepEquals, Default())
}

func writeFile(c *qt.C, name, body string) string {
	path := filepath.Join(c.TempDir(), name)
	c.Assert(os.WriteFile(path, []byte(body), 0o644), qt.IsNil)
	return path
}

func TestLoadYAML(t *testing.T) {
	c := qt.New(t)
	path := writeFile(c, "changeflo.yaml", `
data_dir: /srv/changeflo
http_addr: ":7000"
log:
  level: debug
  format: text
retention:
  expire_after: 2h
  safety_margin: 0s
export:
  brokers: [k1:9092, k2:9092]
  tenants: [t1]
`)
	cfg, err := Load(path)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.DataDir, qt.Equals, "/srv/changeflo")
	c.Assert(cfg.HTTPAddr, qt.Equals, ":7000")
	c.Assert(cfg.GRPCAddr, qt.Equals, ":9090")
	c.Assert(cfg.Log.Level, qt.Equals, "debug")
	c.Assert(cfg.Log.Format, qt.Equals, "text")
	c.Assert(cfg.Retention.ExpireAfter, qt.Equals, 2*time.Hour)
	c.Assert(cfg.Retention.SafetyMargin, qt.Equals, time.Duration(0))
	c.Assert(cfg.Retention.Interval, qt.Equals, Default().Retention.Interval)
	c.Assert(cfg.Export.Brokers, qt.DeepEquals, []string{"k1:9092", "k2:9092"})
	c.Assert(cfg.Export.Enabled(), qt.IsTrue)
}

func TestLoadJSON(t *testing.T) {
	c := qt.New(t)
	path := writeFile(c, "changeflo.json", `{"fsync":"never","streams":{"default_batch_size":5}}`)
	cfg, err := Load(path)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Fsync, qt.Equals, "never")
	c.Assert(cfg.Streams.DefaultBatchSize, qt.Equals, 5)
	c.Assert(cfg.Streams.MaxBatchSize, qt.Equals, Default().Streams.MaxBatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	c := qt.New(t)
	_, err := Load(filepath.Join(c.TempDir(), "nope.yaml"))
	c.Assert(err, qt.IsNotNil)
}

func TestFromEnv(t *testing.T) {
	c := qt.New(t)
	c.Setenv("CHANGEFLO_HTTP_ADDR", ":1234")
	c.Setenv("CHANGEFLO_LOG_LEVEL", "warn")
	c.Setenv("CHANGEFLO_RETENTION_EXPIRE_AFTER", "90m")
	c.Setenv("CHANGEFLO_EXPORT_TENANTS", "a,b")
	cfg := Default()
	cfg.GRPCAddr = ":5555"
	c.Assert(FromEnv(&cfg), qt.IsNil)
	c.Assert(cfg.HTTPAddr, qt.Equals, ":1234")
	c.Assert(cfg.GRPCAddr, qt.Equals, ":5555")
	c.Assert(cfg.Log.Level, qt.Equals, "warn")
	c.Assert(cfg.Retention.ExpireAfter, qt.Equals, 90*time.Minute)
	c.Assert(cfg.Export.Tenants, qt.DeepEquals, []string{"a", "b"})
}

func TestValidate(t *testing.T) {
	c := qt.New(t)
	cfg := Default()
	cfg.Fsync = "sometimes"
	cfg.Streams.DefaultBatchSize = 0
	cfg.Export.Brokers = []string{"k:9092"}
	cfg.Export.Topic = ""
	err := cfg.Validate()
	c.Assert(err, qt.ErrorMatches, `(?s).*fsync must be.*`)
}
