package stats

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "selfproxy"

// Metrics mirrors Snapshot as Prometheus gauges/counters, registered
// the way the teacher's internal/metrics.NewMetricsWithRegistry
// registers one gauge/counter per concern.
type Metrics struct {
	TcpActive  prometheus.Gauge
	TcpTotal   prometheus.Counter
	UdpActive  prometheus.Gauge
	UdpTotal   prometheus.Counter
	BytesSent  prometheus.Counter
	BytesRecv  prometheus.Counter

	lastTcpTotal uint64
	lastUdpTotal uint64
	lastSent     uint64
	lastRecv     uint64
}

// NewMetrics registers the metrics against reg (prometheus.DefaultRegisterer
// for production use, a fresh prometheus.NewRegistry() in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TcpActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_connections_active",
			Help:      "Number of active TCP proxy connections",
		}),
		TcpTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_connections_total",
			Help:      "Total TCP proxy connections ever created",
		}),
		UdpActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associate_active",
			Help:      "Number of active UDP ASSOCIATE relays",
		}),
		UdpTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_associate_total",
			Help:      "Total UDP ASSOCIATE relays ever created",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes read from the tunnel and written upstream",
		}),
		BytesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from upstream and written to the tunnel",
		}),
	}
}

// Observe updates the registered metrics from a fresh Snapshot. prometheus
// counters are append-only, so monotonically-increasing fields are
// applied as deltas against the last observed value.
func (m *Metrics) Observe(snap Snapshot) {
	m.TcpActive.Set(float64(snap.ActiveTcp))
	m.UdpActive.Set(float64(snap.ActiveUdpAssociate))

	if delta := uint64(snap.TotalTcp) - m.lastTcpTotal; delta > 0 {
		m.TcpTotal.Add(float64(delta))
		m.lastTcpTotal = uint64(snap.TotalTcp)
	}
	if delta := uint64(snap.TotalUdpAssociate) - m.lastUdpTotal; delta > 0 {
		m.UdpTotal.Add(float64(delta))
		m.lastUdpTotal = uint64(snap.TotalUdpAssociate)
	}
	if delta := snap.BytesSent - m.lastSent; delta > 0 {
		m.BytesSent.Add(float64(delta))
		m.lastSent = snap.BytesSent
	}
	if delta := snap.BytesReceived - m.lastRecv; delta > 0 {
		m.BytesRecv.Add(float64(delta))
		m.lastRecv = snap.BytesReceived
	}
}

// Run polls the collector on interval and pushes each snapshot into m
// until ctx is cancelled.
func Run(ctx context.Context, c *Collector, m *Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Observe(c.Snapshot())
		}
	}
}
