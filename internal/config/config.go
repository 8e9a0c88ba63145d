package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/rzbill/changeflo/internal/retention"
	"github.com/rzbill/changeflo/internal/telemetry"
	"github.com/rzbill/changeflo/pkg/log"
)

// EnvPrefix prefixes every environment override, e.g. CHANGEFLO_HTTP_ADDR
// or CHANGEFLO_RETENTION_EXPIRE_AFTER.
const EnvPrefix = "CHANGEFLO"

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir  string `mapstructure:"data_dir" json:"data_dir" yaml:"data_dir"`
	Fsync    string `mapstructure:"fsync" json:"fsync" yaml:"fsync"` // always|interval|never
	HTTPAddr string `mapstructure:"http_addr" json:"http_addr" yaml:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr" json:"grpc_addr" yaml:"grpc_addr"`

	Log       log.Config       `mapstructure:"log" json:"log" yaml:"log"`
	Streams   Streams          `mapstructure:"streams" json:"streams" yaml:"streams"`
	Retention retention.Policy `mapstructure:"retention" json:"retention" yaml:"retention"`
	Telemetry telemetry.Config `mapstructure:"telemetry" json:"telemetry" yaml:"telemetry"`
	Export    Export           `mapstructure:"export" json:"export" yaml:"export"`
}

// Streams tunes cursors and the demultiplexer.
type Streams struct {
	DefaultBatchSize int `mapstructure:"default_batch_size" json:"default_batch_size" yaml:"default_batch_size"`
	MaxBatchSize     int `mapstructure:"max_batch_size" json:"max_batch_size" yaml:"max_batch_size"`
	// CursorIdleTimeout reaps server-side cursors not read for this long.
	CursorIdleTimeout time.Duration `mapstructure:"cursor_idle_timeout" json:"cursor_idle_timeout" yaml:"cursor_idle_timeout"`
	MaxCursors        int           `mapstructure:"max_cursors" json:"max_cursors" yaml:"max_cursors"`
	// FlushWindow batches pushed events before flushing a streaming sink.
	FlushWindow     time.Duration `mapstructure:"flush_window" json:"flush_window" yaml:"flush_window"`
	DemuxBatchSize  int           `mapstructure:"demux_batch_size" json:"demux_batch_size" yaml:"demux_batch_size"`
	DemuxRetryLimit time.Duration `mapstructure:"demux_retry_limit" json:"demux_retry_limit" yaml:"demux_retry_limit"`
	// TokenKey is a hex MAC key for resume tokens. Empty uses a key
	// generated once and stored with the data.
	TokenKey string `mapstructure:"token_key" json:"token_key" yaml:"token_key"`
}

// Export configures the Kafka exporter. It is off without brokers.
type Export struct {
	Brokers      []string      `mapstructure:"brokers" json:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" json:"topic" yaml:"topic"`
	Tenants      []string      `mapstructure:"tenants" json:"tenants" yaml:"tenants"`
	BatchSize    int           `mapstructure:"batch_size" json:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" json:"batch_timeout" yaml:"batch_timeout"`
}

// Enabled reports whether exporting is configured.
func (e Export) Enabled() bool { return len(e.Brokers) > 0 && len(e.Tenants) > 0 }

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:  DefaultDataDir(),
		Fsync:    "always",
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Log: log.Config{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"console"},
		},
		Streams: Streams{
			DefaultBatchSize:  101,
			MaxBatchSize:      10000,
			CursorIdleTimeout: 10 * time.Minute,
			MaxCursors:        10000,
			FlushWindow:       5 * time.Millisecond,
			DemuxBatchSize:    256,
			DemuxRetryLimit:   30 * time.Second,
		},
		Retention: retention.DefaultPolicy(),
		Telemetry: telemetry.Config{ServiceName: "changeflo", Interval: 10 * time.Second},
		Export: Export{
			Topic:        "changeflo.events",
			BatchSize:    100,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// keys lists every settable key with its value in cfg. Viper only applies
// environment overrides to keys it knows.
func keys(cfg Config) map[string]interface{} {
	return map[string]interface{}{
		"data_dir":  cfg.DataDir,
		"fsync":     cfg.Fsync,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,

		"log.level":             cfg.Log.Level,
		"log.format":            cfg.Log.Format,
		"log.outputs":           cfg.Log.Outputs,
		"log.file.path":         cfg.Log.File.Path,
		"log.file.max_size_mb":  cfg.Log.File.MaxSizeMB,
		"log.file.max_backups":  cfg.Log.File.MaxBackups,
		"log.file.max_age_days": cfg.Log.File.MaxAgeDays,
		"log.file.compress":     cfg.Log.File.Compress,
		"log.redact_keys":       cfg.Log.RedactKeys,
		"log.sample_initial":    cfg.Log.SampleInitial,
		"log.sample_thereafter": cfg.Log.SampleThereafter,

		"streams.default_batch_size":  cfg.Streams.DefaultBatchSize,
		"streams.max_batch_size":      cfg.Streams.MaxBatchSize,
		"streams.cursor_idle_timeout": cfg.Streams.CursorIdleTimeout,
		"streams.max_cursors":         cfg.Streams.MaxCursors,
		"streams.flush_window":        cfg.Streams.FlushWindow,
		"streams.demux_batch_size":    cfg.Streams.DemuxBatchSize,
		"streams.demux_retry_limit":   cfg.Streams.DemuxRetryLimit,
		"streams.token_key":           cfg.Streams.TokenKey,

		"retention.expire_after":       cfg.Retention.ExpireAfter,
		"retention.max_bytes":          cfg.Retention.MaxBytes,
		"retention.safety_margin":      cfg.Retention.SafetyMargin,
		"retention.interval":           cfg.Retention.Interval,
		"retention.batch_limit":        cfg.Retention.BatchLimit,
		"retention.oplog_expire_after": cfg.Retention.OplogExpireAfter,

		"telemetry.otlp_endpoint": cfg.Telemetry.OTLPEndpoint,
		"telemetry.insecure":      cfg.Telemetry.Insecure,
		"telemetry.interval":      cfg.Telemetry.Interval,
		"telemetry.service_name":  cfg.Telemetry.ServiceName,

		"export.brokers":       cfg.Export.Brokers,
		"export.topic":         cfg.Export.Topic,
		"export.tenants":       cfg.Export.Tenants,
		"export.batch_size":    cfg.Export.BatchSize,
		"export.batch_timeout": cfg.Export.BatchTimeout,
	}
}

func newViper(base Config) *viper.Viper {
	v := viper.New()
	for k, val := range keys(base) {
		v.SetDefault(k, val)
	}
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: decode")
	}
	return cfg, nil
}

// Load reads configuration from a JSON, YAML or TOML file (by extension)
// over the defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	v := newViper(Default())
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.Wrapf(err, "config: read %s", path)
	}
	return decode(v)
}

// FromEnv overlays CHANGEFLO_* environment variables onto cfg. List values
// are comma separated; durations use time.ParseDuration syntax.
func FromEnv(cfg *Config) error {
	v := newViper(*cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	out, err := decode(v)
	if err != nil {
		return err
	}
	*cfg = out
	return nil
}

// Validate checks values the runtime cannot recover from.
func (c Config) Validate() error {
	var errs error
	if c.DataDir == "" {
		errs = errors.CombineErrors(errs, errors.New("config: data_dir must be set"))
	}
	switch c.Fsync {
	case "always", "interval", "never":
	default:
		errs = errors.CombineErrors(errs, errors.Newf("config: fsync must be always, interval or never, got %q", c.Fsync))
	}
	if c.Streams.DefaultBatchSize <= 0 || c.Streams.MaxBatchSize < c.Streams.DefaultBatchSize {
		errs = errors.CombineErrors(errs, errors.New("config: streams batch sizes must satisfy 0 < default <= max"))
	}
	if c.Retention.ExpireAfter < 0 || c.Retention.SafetyMargin < 0 || c.Retention.MaxBytes < 0 {
		errs = errors.CombineErrors(errs, errors.New("config: retention bounds must not be negative"))
	}
	if len(c.Export.Brokers) > 0 && c.Export.Topic == "" {
		errs = errors.CombineErrors(errs, errors.New("config: export.topic must be set with brokers"))
	}
	return errs
}
