package kmsg

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	sendCompleted    metric.Int64Counter
	sendFailed       metric.Int64Counter
	sendBytes        metric.Int64Counter
	messageDelivered metric.Int64Counter
	bulkCompleted    metric.Int64Counter
	bulkFailed       metric.Int64Counter
	bulkBytes        metric.Int64Counter
	poolExhausted    metric.Int64Counter
	connEstablished  metric.Int64Counter
	connFailed       metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter
// measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/kmesh-go/kmsg"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	m := &OTelMetrics{}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&m.sendCompleted, "kmsg.send.completed"},
		{&m.sendFailed, "kmsg.send.failed"},
		{&m.sendBytes, "kmsg.send.bytes"},
		{&m.messageDelivered, "kmsg.messages.delivered"},
		{&m.bulkCompleted, "kmsg.bulk.completed"},
		{&m.bulkFailed, "kmsg.bulk.failed"},
		{&m.bulkBytes, "kmsg.bulk.bytes"},
		{&m.poolExhausted, "kmsg.pool.exhausted"},
		{&m.connEstablished, "kmsg.connections.established"},
		{&m.connFailed, "kmsg.connections.failed"},
	} {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *OTelMetrics) add(counter metric.Int64Counter, value int64, attrs ...attribute.KeyValue) {
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

// SendCompleted implements MetricHook.
func (m *OTelMetrics) SendCompleted(peer int, bytes int) {
	m.add(m.sendCompleted, 1, attribute.Int("peer", peer))
	m.add(m.sendBytes, int64(bytes), attribute.Int("peer", peer))
}

// SendFailed implements MetricHook.
func (m *OTelMetrics) SendFailed(peer int, _ error) {
	m.add(m.sendFailed, 1, attribute.Int("peer", peer))
}

// MessageDelivered implements MetricHook.
func (m *OTelMetrics) MessageDelivered(peer int, msgType uint16, _ int) {
	m.add(m.messageDelivered, 1,
		attribute.Int("peer", peer), attribute.Int("type", int(msgType)))
}

// BulkCompleted implements MetricHook.
func (m *OTelMetrics) BulkCompleted(peer int, mode string, bytes int) {
	m.add(m.bulkCompleted, 1,
		attribute.Int("peer", peer), attribute.String("mode", mode))
	m.add(m.bulkBytes, int64(bytes),
		attribute.Int("peer", peer), attribute.String("mode", mode))
}

// BulkFailed implements MetricHook.
func (m *OTelMetrics) BulkFailed(peer int, mode string, _ error) {
	m.add(m.bulkFailed, 1,
		attribute.Int("peer", peer), attribute.String("mode", mode))
}

// PoolExhausted implements MetricHook.
func (m *OTelMetrics) PoolExhausted(kind string) {
	m.add(m.poolExhausted, 1, attribute.String("kind", kind))
}

// ConnectionEstablished implements MetricHook.
func (m *OTelMetrics) ConnectionEstablished(peer int) {
	m.add(m.connEstablished, 1, attribute.Int("peer", peer))
}

// ConnectionFailed implements MetricHook.
func (m *OTelMetrics) ConnectionFailed(peer int, _ error) {
	m.add(m.connFailed, 1, attribute.Int("peer", peer))
}
