package stage

import (
	"net"
	"time"

	"github.com/stagebridge/ovlink/peertable"
	"github.com/stagebridge/ovlink/stage/metrics"
	"github.com/stagebridge/ovlink/wire"
)

// Config is the single immutable configuration struct a Client is built
// from. Nothing in it is re-read after New: changing session parameters
// means tearing down and building a new Client, matching the external
// configuration collaborator's contract of handing over an
// already-resolved roster rather than a live feed.
type Config struct {
	// RelayHost/RelayPort address the session relay. A RelayPort of 0
	// suppresses every relay-bound send, for pure-mesh operation with no
	// relay at all.
	RelayHost string
	RelayPort uint16

	// RecvPort is the port the client's network socket binds to (0 ⇒
	// OS-assigned, relying on the REGISTER round trip for NAT rendezvous).
	RecvPort uint16

	// DefaultUserPort is this client's primary outbound user port: the
	// local loopback port the default receive goroutine binds to read
	// locally-produced media from, and the dest_port tag it stamps on
	// outbound frames.
	DefaultUserPort wire.Port

	// ExtraSourcePorts are additional local loopback ports, each run by its
	// own goroutine mirroring the default receive goroutine, for auxiliary
	// local streams (e.g. a second track).
	ExtraSourcePorts []wire.Port

	// PortOffset shifts every inbound delivery's destination port;
	// secondary same-host instances use a non-zero offset so they don't
	// collide with a primary instance's loopback ports.
	PortOffset uint16

	// ExtraDeliveryOffsets duplicates every inbound frame onto additional
	// local ports beyond dest_port+PortOffset (the xrecport mechanism).
	ExtraDeliveryOffsets []uint16

	// ProxyClients are other caller ids this client fans unwrapped,
	// out-of-network-origin inbound payloads out to, keyed by caller id.
	ProxyClients map[uint8]*net.UDPAddr

	Priority int

	SessionSecret uint32
	CallerID      uint8
	ModeFlags     peertable.Mode
	Version       string

	// PingPeriod is the cadence of the ping/REGISTER/ttl goroutine. Defaults
	// to 500ms (DefaultPingPeriod) if zero.
	PingPeriod time.Duration

	// ReorderDeadline bounds how long a deferred out-of-order frame waits
	// for its straggling predecessor: it is the network socket's recv
	// timeout, after which the sorter's buffers are flushed as-is. Defaults
	// to 10ms if zero.
	ReorderDeadline time.Duration

	SendLocalShortcut   bool
	ExpeditedForwarding bool

	// MaxSendInterval, if non-zero, paces this client's outbound user-port
	// frames to at most one per interval, counted across all receive
	// goroutines together (the default port and every extra source port
	// share one limiter). Zero disables pacing entirely:
	// when the local audio engine already paces frames to real time, a
	// burst (e.g. catching up after a scheduling hiccup) should be
	// forwarded as fast as possible rather than smoothed out.
	MaxSendInterval time.Duration

	// Metrics, if non-nil, receives live counters/gauges as the client
	// runs. A nil value disables metrics export entirely; the client never
	// opens an HTTP listener of its own regardless.
	Metrics *metrics.Collectors

	// ErrorLog receives errors a goroutine's loop terminated on (after the
	// shared context was canceled, this stops firing). Defaults to a no-op.
	ErrorLog func(error)

	// PeerLatencyReport, if non-nil, receives every PEERLATREP a peer
	// broadcasts about its own observed link to some third caller id. This
	// is advisory telemetry about a link this client isn't a party to; a
	// nil value simply drops it, matching the wire protocol's treatment of
	// PEERLATREP as optional.
	PeerLatencyReport func(reporterCID, aboutCID uint8, min, median, p99 float64, received, lost uint64)
}

// DefaultPingPeriod is the normal (non-hi-res) ping/ttl cadence.
const DefaultPingPeriod = 500 * time.Millisecond

// HiResPingPeriod is the hi-res ping/ttl cadence some deployments opt into
// for tighter liveness detection at the cost of control-plane chatter.
const HiResPingPeriod = 50 * time.Millisecond

func (c Config) pingPeriod() time.Duration {
	if c.PingPeriod > 0 {
		return c.PingPeriod
	}
	return DefaultPingPeriod
}

func (c Config) reorderDeadline() time.Duration {
	if c.ReorderDeadline > 0 {
		return c.ReorderDeadline
	}
	return defaultReorderDeadline
}

func (c Config) errorLog() func(error) {
	if c.ErrorLog != nil {
		return c.ErrorLog
	}
	return func(error) {}
}
