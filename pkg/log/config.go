package log

import (
	"fmt"
	"log/slog"
	"strings"
)

// Config declares how a logger should be built.
type Config struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`
	Format string `mapstructure:"format" json:"format" yaml:"format"` // json|text

	// Outputs is a list of "console", "null" or "file".
	Outputs []string    `mapstructure:"outputs" json:"outputs" yaml:"outputs"`
	File    FileOptions `mapstructure:"file" json:"file" yaml:"file"`
	// RedactKeys are replaced by [REDACTED] in every entry.
	RedactKeys []string `mapstructure:"redact_keys" json:"redact_keys" yaml:"redact_keys"`
	// SampleInitial/SampleThereafter enable per-message sampling when
	// SampleThereafter > 0.
	SampleInitial    int `mapstructure:"sample_initial" json:"sample_initial" yaml:"sample_initial"`
	SampleThereafter int `mapstructure:"sample_thereafter" json:"sample_thereafter" yaml:"sample_thereafter"`
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg Config) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := []LoggerOption{WithLevel(level)}
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		opts = append(opts, WithFormatter(&JSONFormatter{}))
	case "text":
		opts = append(opts, WithFormatter(&TextFormatter{}))
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	for _, o := range cfg.Outputs {
		switch strings.ToLower(o) {
		case "console", "stderr":
			opts = append(opts, WithOutput(NewConsoleOutput()))
		case "null":
			opts = append(opts, WithOutput(NullOutput{}))
		case "file":
			if cfg.File.Path == "" {
				return nil, fmt.Errorf("log output file requires a path")
			}
			opts = append(opts, WithOutput(NewFileOutput(cfg.File)))
		default:
			return nil, fmt.Errorf("unknown log output %q", o)
		}
	}
	l := NewLogger(opts...).(*BaseLogger)
	h := l.handler.withRedactions(cfg.RedactKeys).withSampler(cfg.SampleInitial, cfg.SampleThereafter)
	if h != l.handler {
		l.handler = h
		l.slogLogger = slog.New(h)
	}
	return l, nil
}
