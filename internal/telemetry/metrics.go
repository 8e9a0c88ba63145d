package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/streamerr"
)

const meterName = "github.com/rzbill/changeflo"

var (
	keyTenant = attribute.Key("tenant")
	keyKind   = attribute.Key("kind")
	keyState  = attribute.Key("state")
)

// Metrics records change stream instruments. It serves as the observer of
// the change collection store, the cursor watcher and the storage layer.
type Metrics struct {
	appended      metric.Int64Counter
	appendedBytes metric.Int64Counter
	truncated     metric.Int64Counter
	cursorsOpened metric.Int64Counter
	cursorsActive metric.Int64UpDownCounter
	cursorsEnded  metric.Int64Counter
	writeDur      metric.Float64Histogram
	readDur       metric.Float64Histogram
	commitDur     metric.Float64Histogram
	storageBytes  metric.Int64Counter
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var (
		out Metrics
		err error
	)
	if out.appended, err = m.Int64Counter("changeflo.events.appended",
		metric.WithDescription("Change events appended to change collections.")); err != nil {
		return nil, err
	}
	if out.appendedBytes, err = m.Int64Counter("changeflo.events.appended.bytes",
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if out.truncated, err = m.Int64Counter("changeflo.events.truncated",
		metric.WithDescription("Change events removed by retention.")); err != nil {
		return nil, err
	}
	if out.cursorsOpened, err = m.Int64Counter("changeflo.cursors.opened",
		metric.WithDescription("Change stream open attempts by result kind.")); err != nil {
		return nil, err
	}
	if out.cursorsActive, err = m.Int64UpDownCounter("changeflo.cursors.active"); err != nil {
		return nil, err
	}
	if out.cursorsEnded, err = m.Int64Counter("changeflo.cursors.ended",
		metric.WithDescription("Change stream cursors closed or failed.")); err != nil {
		return nil, err
	}
	if out.writeDur, err = m.Float64Histogram("changeflo.storage.write.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if out.readDur, err = m.Float64Histogram("changeflo.storage.read.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if out.commitDur, err = m.Float64Histogram("changeflo.storage.commit.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if out.storageBytes, err = m.Int64Counter("changeflo.storage.bytes", metric.WithUnit("By")); err != nil {
		return nil, err
	}
	return &out, nil
}

func kindName(err error) string {
	if err == nil {
		return "ok"
	}
	if k := streamerr.KindOf(err); k != streamerr.KindUnknown {
		return string(k)
	}
	return "internal"
}

// ObserveAppend implements changecoll.Observer.
func (m *Metrics) ObserveAppend(tenant string, events, bytes int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(keyTenant.String(tenant))
	m.appended.Add(ctx, int64(events), attrs)
	m.appendedBytes.Add(ctx, int64(bytes), attrs)
}

// ObserveTruncate implements changecoll.Observer.
func (m *Metrics) ObserveTruncate(tenant string, _ uint64, _ changecoll.Position, events int) {
	m.truncated.Add(context.Background(), int64(events), metric.WithAttributes(keyTenant.String(tenant)))
}

// ObserveCursorOpen implements changestream.Observer.
func (m *Metrics) ObserveCursorOpen(tenant string, err error) {
	ctx := context.Background()
	m.cursorsOpened.Add(ctx, 1, metric.WithAttributes(keyTenant.String(tenant), keyKind.String(kindName(err))))
	if err == nil {
		m.cursorsActive.Add(ctx, 1, metric.WithAttributes(keyTenant.String(tenant)))
	}
}

// ObserveCursorEnd implements changestream.Observer.
func (m *Metrics) ObserveCursorEnd(tenant string, state changestream.State, err error) {
	ctx := context.Background()
	m.cursorsActive.Add(ctx, -1, metric.WithAttributes(keyTenant.String(tenant)))
	m.cursorsEnded.Add(ctx, 1, metric.WithAttributes(
		keyTenant.String(tenant), keyState.String(state.String()), keyKind.String(kindName(err))))
}

// ObserveWrite implements pebblestore.MetricsHook.
func (m *Metrics) ObserveWrite(elapsed time.Duration, bytes int) {
	ctx := context.Background()
	m.writeDur.Record(ctx, elapsed.Seconds())
	m.storageBytes.Add(ctx, int64(bytes), metric.WithAttributes(attribute.String("op", "write")))
}

// ObserveRead implements pebblestore.MetricsHook.
func (m *Metrics) ObserveRead(elapsed time.Duration, bytes int) {
	ctx := context.Background()
	m.readDur.Record(ctx, elapsed.Seconds())
	m.storageBytes.Add(ctx, int64(bytes), metric.WithAttributes(attribute.String("op", "read")))
}

// ObserveBatchCommit implements pebblestore.MetricsHook.
func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	ctx := context.Background()
	m.commitDur.Record(ctx, elapsed.Seconds())
	m.storageBytes.Add(ctx, int64(bytes), metric.WithAttributes(attribute.String("op", "commit")))
}
