package kmsg

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	sendCompleted    *prometheus.CounterVec
	sendFailed       *prometheus.CounterVec
	sendBytes        *prometheus.CounterVec
	messageDelivered *prometheus.CounterVec
	bulkCompleted    *prometheus.CounterVec
	bulkFailed       *prometheus.CounterVec
	bulkBytes        *prometheus.CounterVec
	poolExhausted    *prometheus.CounterVec
	connEstablished  *prometheus.CounterVec
	connFailed       *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus
// counters registered with opts.Registerer (the default registerer when
// nil).
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, labels)
	}

	p := &PrometheusMetrics{
		sendCompleted:    counter("kmsg_send_completed_total", "Number of completed sends", "peer"),
		sendFailed:       counter("kmsg_send_failed_total", "Number of failed sends", "peer"),
		sendBytes:        counter("kmsg_send_bytes_total", "Bytes sent, headers included", "peer"),
		messageDelivered: counter("kmsg_messages_delivered_total", "Messages delivered to handlers", "peer", "type"),
		bulkCompleted:    counter("kmsg_bulk_completed_total", "Completed bulk transfers", "peer", "mode"),
		bulkFailed:       counter("kmsg_bulk_failed_total", "Failed bulk transfers", "peer", "mode"),
		bulkBytes:        counter("kmsg_bulk_bytes_total", "Bulk payload bytes transferred", "peer", "mode"),
		poolExhausted:    counter("kmsg_pool_exhausted_total", "Pool-exhaustion yield events", "kind"),
		connEstablished:  counter("kmsg_connections_established_total", "Established mesh connections", "peer"),
		connFailed:       counter("kmsg_connections_failed_total", "Faulted mesh connections", "peer"),
	}

	for _, c := range []*prometheus.CounterVec{
		p.sendCompleted, p.sendFailed, p.sendBytes, p.messageDelivered,
		p.bulkCompleted, p.bulkFailed, p.bulkBytes, p.poolExhausted,
		p.connEstablished, p.connFailed,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func peerLabel(peer int) string {
	return strconv.Itoa(peer)
}

// SendCompleted implements MetricHook.
func (p *PrometheusMetrics) SendCompleted(peer int, bytes int) {
	p.sendCompleted.WithLabelValues(peerLabel(peer)).Inc()
	p.sendBytes.WithLabelValues(peerLabel(peer)).Add(float64(bytes))
}

// SendFailed implements MetricHook.
func (p *PrometheusMetrics) SendFailed(peer int, _ error) {
	p.sendFailed.WithLabelValues(peerLabel(peer)).Inc()
}

// MessageDelivered implements MetricHook.
func (p *PrometheusMetrics) MessageDelivered(peer int, msgType uint16, _ int) {
	p.messageDelivered.WithLabelValues(peerLabel(peer), strconv.Itoa(int(msgType))).Inc()
}

// BulkCompleted implements MetricHook.
func (p *PrometheusMetrics) BulkCompleted(peer int, mode string, bytes int) {
	p.bulkCompleted.WithLabelValues(peerLabel(peer), mode).Inc()
	p.bulkBytes.WithLabelValues(peerLabel(peer), mode).Add(float64(bytes))
}

// BulkFailed implements MetricHook.
func (p *PrometheusMetrics) BulkFailed(peer int, mode string, _ error) {
	p.bulkFailed.WithLabelValues(peerLabel(peer), mode).Inc()
}

// PoolExhausted implements MetricHook.
func (p *PrometheusMetrics) PoolExhausted(kind string) {
	p.poolExhausted.WithLabelValues(kind).Inc()
}

// ConnectionEstablished implements MetricHook.
func (p *PrometheusMetrics) ConnectionEstablished(peer int) {
	p.connEstablished.WithLabelValues(peerLabel(peer)).Inc()
}

// ConnectionFailed implements MetricHook.
func (p *PrometheusMetrics) ConnectionFailed(peer int, _ error) {
	p.connFailed.WithLabelValues(peerLabel(peer)).Inc()
}
