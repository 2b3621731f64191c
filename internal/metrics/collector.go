package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exports per-lane harness counters. All methods are nil-safe so
// callers can run without metrics export.
type Collector struct {
	registry *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	throttledBursts  *prometheus.CounterVec
	receiveRate      *prometheus.GaugeVec
	disconnects      prometheus.Counter
}

// NewCollector creates a Collector backed by its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcbench_messages_sent_total",
			Help: "Messages written to a data channel",
		}, []string{"lane"}),

		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcbench_messages_received_total",
			Help: "Messages read from a data channel",
		}, []string{"lane"}),

		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcbench_bytes_sent_total",
			Help: "Bytes written to a data channel",
		}, []string{"lane"}),

		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcbench_bytes_received_total",
			Help: "Bytes read from a data channel",
		}, []string{"lane"}),

		throttledBursts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcbench_throttled_bursts_total",
			Help: "Send bursts cut short by the outbound buffer high-water mark",
		}, []string{"lane"}),

		receiveRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dcbench_receive_rate_messages_per_second",
			Help: "Last measured receive rate",
		}, []string{"lane"}),

		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcbench_disconnects_total",
			Help: "Times the default channel was lost",
		}),
	}

	c.registry.MustRegister(
		c.messagesSent,
		c.messagesReceived,
		c.bytesSent,
		c.bytesReceived,
		c.throttledBursts,
		c.receiveRate,
		c.disconnects,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (used by tests).
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordSent(lane string, messages, bytes int) {
	if c == nil || messages == 0 {
		return
	}
	c.messagesSent.WithLabelValues(lane).Add(float64(messages))
	c.bytesSent.WithLabelValues(lane).Add(float64(bytes))
}

func (c *Collector) RecordReceived(lane string, bytes int) {
	if c == nil {
		return
	}
	c.messagesReceived.WithLabelValues(lane).Inc()
	c.bytesReceived.WithLabelValues(lane).Add(float64(bytes))
}

func (c *Collector) RecordThrottled(lane string) {
	if c == nil {
		return
	}
	c.throttledBursts.WithLabelValues(lane).Inc()
}

func (c *Collector) SetReceiveRate(lane string, mps int) {
	if c == nil {
		return
	}
	c.receiveRate.WithLabelValues(lane).Set(float64(mps))
}

func (c *Collector) RecordDisconnect() {
	if c == nil {
		return
	}
	c.disconnects.Inc()
}
