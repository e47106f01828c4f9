// Package stage wires the wire codec, udpsock endpoints, peertable,
// pingstat, sorter and forward packages into a runnable session transport
// client: an outbound-from-local goroutine per source port, one
// inbound-from-relay-or-peers goroutine, and a ping timer, all sharing one
// context and joined on Stop.
package stage

import (
	"context"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/stagebridge/ovlink/peertable"
	"github.com/stagebridge/ovlink/pingstat"
	"github.com/stagebridge/ovlink/sorter"
	"github.com/stagebridge/ovlink/stage/pubkey"
	"github.com/stagebridge/ovlink/udpsock"
	"github.com/stagebridge/ovlink/wire"
)

// Debug is a package-level trace-level log hook: off (no-op) unless an
// embedder wants it.
var Debug = func(v ...interface{}) {}

// recvTimeout bounds every blocking socket read so each goroutine's
// cancellation check runs at a predictable cadence.
const recvTimeout = 10 * time.Millisecond

// defaultReorderDeadline is the network socket's recv timeout when
// Config.ReorderDeadline is unset. A recv expiring with nothing to read is
// also what flushes the sorter's deferred frames, so this doubles as the
// grace period a swapped frame's straggler gets before the swap is given up
// on.
const defaultReorderDeadline = recvTimeout

// probeStats bundles the three ping-classes' ring-buffer collectors a live
// peer's RTTs are recorded into, plus the quantile-reduction State the
// latency-rollup reporter advances each time it reduces the direct
// collector to a Snapshot for a PEERLATREP.
type probeStats struct {
	direct, viaRelay, local pingstat.Collector
	directState             pingstat.State

	// prevSeqErrIn/Out remember the sorter's cumulative counters as of the
	// previous rollup, so the metrics exporter only adds the delta.
	prevSeqErrIn, prevSeqErrOut uint64
}

// Client is one participant's running session transport engine. Construct
// with New and call Start; Stop tears every goroutine down and releases
// both sockets.
type Client struct {
	cfg Config
	id  xid.ID // per-run correlation id for trace logs, never sent on the wire

	net   *udpsock.Endpoint // network socket: relay + peer traffic
	local *udpsock.Endpoint // loopback socket: bridges to the local audio sink/source

	peers  *peertable.Table
	sorter *sorter.Sorter

	// sendLimiter paces outbound user-port frames when cfg.MaxSendInterval
	// is set; nil (the common case) means sends are never throttled.
	sendLimiter *rate.Limiter

	// dropLog rate-limits the debug line emitted for dropped protocol-error
	// datagrams, so a sustained flood of bad-secret traffic can't drown the
	// log.
	dropLog *rate.Limiter

	keys    *pubkey.KeyPair
	sealers [wire.MaxStageID]pubkey.Sealer
	sealMu  sync.Mutex

	probesMu sync.Mutex
	probes   [wire.MaxStageID]*probeStats

	selfMu  sync.Mutex
	selfEP  *net.UDPAddr // our own public endpoint, learned via LISTCID
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ttlDeath <-chan error
}

// New constructs a Client from cfg. It opens both sockets and the peer
// table but does not start any goroutines; call Start for that.
func New(cfg Config) (*Client, error) {
	if cfg.CallerID >= wire.MaxStageID && cfg.CallerID != wire.RelayCallerID {
		return nil, errors.Errorf("stage: caller id %d out of range", cfg.CallerID)
	}

	netSock, err := udpsock.New()
	if err != nil {
		return nil, errors.Wrap(err, "stage: open network socket")
	}
	if _, err := netSock.Bind(cfg.RecvPort, false); err != nil {
		netSock.Close()
		return nil, errors.Wrap(err, "stage: bind network socket")
	}
	if cfg.ExpeditedForwarding {
		if err := netSock.SetExpeditedForwardingPHB(); err != nil {
			Debug("stage: expedited forwarding PHB unavailable:", err)
		}
	}
	if err := netSock.SetDestination(cfg.RelayHost); err != nil {
		netSock.Close()
		return nil, errors.Wrap(err, "stage: resolve relay host")
	}
	netSock.SetTimeout(cfg.reorderDeadline())

	localSock, err := udpsock.New()
	if err != nil {
		netSock.Close()
		return nil, errors.Wrap(err, "stage: open local socket")
	}
	if _, err := localSock.Bind(uint16(cfg.DefaultUserPort), true); err != nil {
		netSock.Close()
		localSock.Close()
		return nil, errors.Wrap(err, "stage: bind local socket")
	}
	localSock.SetTimeout(recvTimeout)

	keys, err := pubkey.Generate()
	if err != nil {
		netSock.Close()
		localSock.Close()
		return nil, errors.Wrap(err, "stage: generate keypair")
	}

	c := &Client{
		cfg:     cfg,
		id:      xid.New(),
		net:     netSock,
		local:   localSock,
		peers:   peertable.New(cfg.pingPeriod()),
		sorter:  sorter.New(),
		keys:    keys,
		dropLog: rate.NewLimiter(rate.Every(time.Second), 1),
		started: time.Now(),
	}
	if cfg.MaxSendInterval > 0 {
		c.sendLimiter = udpsock.SendLimiter(cfg.MaxSendInterval)
	}

	c.peers.NewConnection = c.onNewConnection
	c.peers.ConnectionLost = c.onConnectionLost
	c.peers.Latency = c.onLatencyRollup

	return c, nil
}

// RunID is the per-process correlation id assigned at construction, useful
// for tying together log lines from one Client's goroutines.
func (c *Client) RunID() xid.ID { return c.id }

// Peers exposes the live peer table, e.g. for an embedder's own status UI.
func (c *Client) Peers() *peertable.Table { return c.peers }

// SelfEndpoint returns this client's own public endpoint as last reported
// by the relay via LISTCID, or nil before that first arrives.
func (c *Client) SelfEndpoint() *net.UDPAddr { return c.selfEndpoint() }

// LocalAddr returns the bound address of the loopback socket used to bridge
// to the local audio sink/source.
func (c *Client) LocalAddr() *net.UDPAddr { return c.local.LocalAddr() }

// NetAddr returns the bound address of the network socket used for relay
// and peer traffic.
func (c *Client) NetAddr() *net.UDPAddr { return c.net.LocalAddr() }

// Start launches the send, receive, ping, and any extra-source goroutines.
// It is not safe to call Start twice on the same Client.
func (c *Client) Start() {
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.ttlDeath = c.peers.StartTTL(&c.wg)
	go func() {
		if err := <-c.ttlDeath; err != nil {
			c.cfg.errorLog()(errors.Wrap(err, "stage: peer table ttl loop"))
		}
	}()

	c.wg.Add(1)
	go c.runLoop("send", c.sendLoop)

	c.wg.Add(1)
	go c.runLoop("receive:default", func(ctx context.Context) error {
		return c.receiveLoop(ctx, c.local, c.cfg.DefaultUserPort, true)
	})

	for _, port := range c.cfg.ExtraSourcePorts {
		port := port
		sock, err := c.openExtraSourceSocket(port)
		if err != nil {
			c.cfg.errorLog()(errors.Wrapf(err, "stage: bind extra source port %d", port))
			continue
		}
		c.wg.Add(1)
		go c.runLoop("receive:extra", func(ctx context.Context) error {
			defer sock.Close()
			return c.receiveLoop(ctx, sock, port, false)
		})
	}

	c.wg.Add(1)
	go c.runLoop("ping", c.pingLoop)
}

// Stop cancels the shared context, joins every goroutine, and releases both
// sockets. Safe to call once after Start.
func (c *Client) Stop() {
	c.cancel()
	c.peers.StopTTL()
	c.wg.Wait()
	c.net.Close()
	c.local.Close()
}

// runLoop wraps a goroutine body with the "log and bring the client down"
// fatal-error policy: any error other than context cancellation is reported
// via cfg.ErrorLog and cancels the shared context, which ends every other
// goroutine; runLoop itself never calls Stop (only cancel) so it can't
// deadlock against Stop's own wg.Wait.
//
// The send/receive goroutines additionally pin themselves to an OS thread
// and request a best-effort nice-priority bump; failure is logged at debug
// level, never fatal.
func (c *Client) runLoop(name string, fn func(context.Context) error) {
	defer c.wg.Done()

	if name == "send" || name == "receive:default" {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := raisePriority(c.cfg.Priority); err != nil {
			Debug("stage: raise priority failed for", name, ":", err)
		}
	}

	err := fn(c.ctx)
	if err != nil && c.ctx.Err() == nil {
		c.cfg.errorLog()(errors.Wrapf(err, "stage: %s goroutine", name))
		c.cancel()
	}
}

// isTimeout reports whether err is a transient recv-timeout that a loop
// should simply retry on, rather than a fatal error.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// openExtraSourceSocket binds a fresh loopback socket for one of the extra
// local source ports, each read by its own receive goroutine.
func (c *Client) openExtraSourceSocket(port wire.Port) (*udpsock.Endpoint, error) {
	sock, err := udpsock.New()
	if err != nil {
		return nil, err
	}
	if _, err := sock.Bind(uint16(port), true); err != nil {
		sock.Close()
		return nil, err
	}
	sock.SetTimeout(recvTimeout)
	return sock, nil
}

func (c *Client) secondsSinceStart() float64 {
	return time.Since(c.started).Seconds()
}

func (c *Client) selfEndpoint() *net.UDPAddr {
	c.selfMu.Lock()
	defer c.selfMu.Unlock()
	return c.selfEP
}

func (c *Client) setSelfEndpoint(ep *net.UDPAddr) {
	c.selfMu.Lock()
	c.selfEP = ep
	c.selfMu.Unlock()
}

// sendToRelay sends one packed frame to the relay's session port at the
// network socket's default destination. A relay port of 0 suppresses the
// send, which is how a relay-less (pure mesh) configuration turns off the
// server branch of the forwarding policy without extra conditionals.
func (c *Client) sendToRelay(frame []byte) {
	c.net.SendToPort(frame, c.cfg.RelayPort)
}

func (c *Client) probesFor(cid uint8) *probeStats {
	c.probesMu.Lock()
	defer c.probesMu.Unlock()
	if c.probes[cid] == nil {
		c.probes[cid] = &probeStats{
			direct:   *pingstat.New(),
			viaRelay: *pingstat.New(),
			local:    *pingstat.New(),
		}
	}
	return c.probes[cid]
}

func (c *Client) recordLatency(cid uint8, kind string, rttMs float64) {
	ps := c.probesFor(cid)
	switch kind {
	case "direct":
		ps.direct.AddValue(rttMs)
	case "relay":
		ps.viaRelay.AddValue(rttMs)
	case "local":
		ps.local.AddValue(rttMs)
	}
	c.peers.SetPingTime(cid, rttMs)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.PingMillis.WithLabelValues(cidLabel(cid), kind, "last").Set(rttMs)
	}
}

func cidLabel(cid uint8) string {
	return strconv.Itoa(int(cid))
}

// frameBufPool recycles the scratch buffers control-plane replies and probes
// are packed into, keeping the per-peer ping fan-out allocation-free.
var frameBufPool = sync.Pool{
	New: func() interface{} { return make([]byte, wire.MaxDatagramSize) },
}
