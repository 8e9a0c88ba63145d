// Package telemetry exports changeflo metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Config selects the metrics exporter.
type Config struct {
	// OTLPEndpoint is host:port or a URL of an OTLP gRPC collector. Empty
	// keeps metrics in process.
	OTLPEndpoint string        `mapstructure:"otlp_endpoint" json:"otlp_endpoint" yaml:"otlp_endpoint"`
	Insecure     bool          `mapstructure:"insecure" json:"insecure" yaml:"insecure"`
	Interval     time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	ServiceName  string        `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
}

// Providers holds the meter provider and its shutdown.
type Providers struct {
	MeterProvider *sdkmetric.MeterProvider
	Shutdown      func(context.Context) error
}

// NewProviders builds a MeterProvider exporting to cfg.OTLPEndpoint, or an
// unexported one when no endpoint is set. Extra readers (tests use a
// ManualReader) are attached as well.
func NewProviders(ctx context.Context, cfg Config, readers ...sdkmetric.Reader) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "changeflo"
	}
	opts := make([]sdkmetric.Option, 0, len(readers)+2)
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		mp := sdkmetric.NewMeterProvider(opts...)
		return &Providers{MeterProvider: mp, Shutdown: mp.Shutdown}, nil
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid OTLP endpoint %q", cfg.OTLPEndpoint)
	}
	if u.Host == "" {
		return nil, errors.Newf("invalid OTLP endpoint %q: missing host", cfg.OTLPEndpoint)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(cfg.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	expOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(u.Host)}
	if cfg.Insecure || u.Scheme != "https" {
		expOpts = append(expOpts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, expOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "create OTLP metric exporter")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	opts = append(opts,
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	mp := sdkmetric.NewMeterProvider(opts...)
	return &Providers{MeterProvider: mp, Shutdown: mp.Shutdown}, nil
}

// SetGlobal installs the meter provider globally so instrumentation such as
// otelgrpc reports through it.
func (p *Providers) SetGlobal() {
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
}
