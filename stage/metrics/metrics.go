// Package metrics exports a running stage client's link health as
// Prometheus gauges and counters, labeled by the remote caller id. The
// client only populates collectors handed to it; serving them over HTTP is
// the embedder's business.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds every metric a Client registers with a Prometheus
// registry. Construct with New and register with Registry.MustRegister or
// prometheus.MustRegister on the default registry.
type Collectors struct {
	PeersLive       prometheus.Gauge
	TxBytes         prometheus.Counter
	RxBytes         prometheus.Counter
	PingMillis      *prometheus.GaugeVec // labeled by cid, probe kind
	PacketsLost     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	SeqErrors       *prometheus.CounterVec
	ConnectEvents   *prometheus.CounterVec // labeled by cid, event (joined/left)
}

// New constructs a fresh set of collectors under the given namespace
// (typically the module name) so multiple Client instances in one process
// don't collide when registered.
func New(namespace string) *Collectors {
	return &Collectors{
		PeersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_live",
			Help:      "Number of stage devices currently registered and not timed out.",
		}),
		TxBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_bytes_total",
			Help:      "Total bytes sent on the session UDP socket.",
		}),
		RxBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rx_bytes_total",
			Help:      "Total bytes received on the session UDP socket.",
		}),
		PingMillis: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ping_milliseconds",
			Help:      "Latest rolled-up ping statistic in milliseconds.",
		}, []string{"cid", "probe", "quantile"}),
		PacketsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_lost_total",
			Help:      "Packets presumed lost, by remote caller id.",
		}, []string{"cid"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets received, by remote caller id.",
		}, []string{"cid"}),
		SeqErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_errors_total",
			Help:      "Out-of-order sequence numbers observed, by remote caller id and direction.",
		}, []string{"cid", "direction"}),
		ConnectEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_events_total",
			Help:      "Peer join/leave events, by remote caller id and kind.",
		}, []string{"cid", "event"}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collectors) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Collectors) Collect(ch chan<- prometheus.Metric) {
	for _, m := range []prometheus.Collector{
		c.PeersLive, c.TxBytes, c.RxBytes, c.PingMillis,
		c.PacketsLost, c.PacketsReceived, c.SeqErrors, c.ConnectEvents,
	} {
		m.Collect(ch)
	}
}
