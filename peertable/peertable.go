// Package peertable maintains the fixed-capacity table of stage devices
// participating in one session. Each caller id in [0, wire.MaxStageID) has
// at most one live descriptor: its public and local endpoints, its mode
// bitmask, ttl, and rolling ping statistics. Join, leave, and latency-rollup
// events are surfaced through plain callback fields on the Table.
package peertable

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-csync"

	"github.com/stagebridge/ovlink/utils/heart"
	"github.com/stagebridge/ovlink/utils/moreatomic"
	"github.com/stagebridge/ovlink/wire"
)

// Mode is the per-peer capability/behavior bitmask carried in REGISTER
// messages and consulted by the forwarding engine.
type Mode uint8

const (
	PeerToPeer     Mode = 0x01
	ReceiveDownmix Mode = 0x02
	DoNotSend      Mode = 0x04
	SendDownmix    Mode = 0x08
	UsingProxy     Mode = 0x10
)

func (m Mode) Has(flag Mode) bool { return m&flag != 0 }

// timeoutTicks is the number of ttl decrements of inactivity tolerated
// before a peer is considered gone.
const timeoutTicks = 120

// PubKeyLen is the size of an X25519 public key, as used by the PUBKEY
// control opcode.
const PubKeyLen = 32

// Peer describes one stage device's current endpoint and link statistics.
type Peer struct {
	Endpoint      *net.UDPAddr // public address last seen on
	LocalEndpoint *net.UDPAddr // address reported via SETLOCALIP, may be nil

	Timeout    uint32
	Announced  bool
	Mode       Mode
	Version    string

	PingMin, PingMax, PingSum float64
	PingN                     uint32

	NumReceived uint32
	NumLost     uint32

	HasPubKey bool
	PubKey    [PubKeyLen]byte
}

func newPeer() Peer {
	return Peer{Timeout: timeoutTicks, PingMin: 10000.0}
}

// Table is the fixed wire.MaxStageID-slot peer table for one session.
type Table struct {
	mu    moreatomic.BusyMutex
	peers [wire.MaxStageID]Peer
	live  [wire.MaxStageID]bool

	// PingPeriod controls how many ttl ticks correspond to timeoutTicks of
	// real time; the ttl pacemaker fires once per PingPeriod.
	PingPeriod time.Duration

	// NewConnection is invoked (outside the table lock) the first time a
	// caller id is registered, when it re-registers after having timed out,
	// and when it re-registers with a changed mode while still live.
	NewConnection func(cid uint8, p Peer)
	// ConnectionLost is invoked once a registered caller id's ttl expires.
	ConnectionLost func(cid uint8)
	// Latency is invoked once a minute with a rollup of a peer's ping stats,
	// after which the rollup is reset.
	Latency func(cid uint8, min, mean, max float64, received, lost uint32)

	pacer     *heart.Pacemaker
	tickCount uint32

	// callbackMu serializes NewConnection/ConnectionLost/Latency dispatch
	// and, unlike the advisory BusyMutex above, supports a context-bound
	// wait: dispatchCallback gives up on a notification after
	// callbackTimeout instead of blocking forever behind a wedged callback.
	callbackMu csync.Mutex
}

// rollupInterval is the wall-clock cadence of latency rollups.
const rollupInterval = time.Minute

// rollupTicks converts rollupInterval into a tick count at the table's
// configured ping period, so the one-minute wall-clock cadence holds
// whether the ttl loop runs at the normal 500ms or the hi-res 50ms period.
func (t *Table) rollupTicks() uint32 {
	if t.PingPeriod <= 0 {
		return 1
	}
	n := uint32(rollupInterval / t.PingPeriod)
	if n == 0 {
		return 1
	}
	return n
}

// New constructs an empty table. pingPeriod is the cadence of the ttl
// decrement loop started by StartTTL.
func New(pingPeriod time.Duration) *Table {
	return &Table{PingPeriod: pingPeriod}
}

// Register records or refreshes cid's public endpoint, mode, and version
// string, resetting its ttl. It reports whether this is a new connection.
func (t *Table) Register(cid uint8, ep *net.UDPAddr, mode Mode, version string) (isNew bool, err error) {
	if int(cid) >= wire.MaxStageID {
		return false, errors.Errorf("peertable: caller id %d out of range", cid)
	}

	t.mu.Lock()
	wasLive := t.live[cid]
	p := t.peers[cid]
	if !wasLive {
		p = newPeer()
	}
	modeChanged := wasLive && p.Mode != mode
	p.Endpoint = ep
	p.Mode = mode
	p.Version = version
	p.Timeout = timeoutTicks
	// A mode change re-signals the connection even though ttl never hit
	// zero: Announced is cleared here and set back to true once the
	// NewConnection callback has fired.
	if !wasLive || modeChanged {
		p.Announced = false
	}
	reannounce := !p.Announced
	if reannounce {
		p.Announced = true
	}
	t.peers[cid] = p
	t.live[cid] = true
	t.mu.Unlock()

	if reannounce && t.NewConnection != nil {
		t.dispatchCallback(func() { t.NewConnection(cid, p) })
	}
	return !wasLive, nil
}

// callbackTimeout bounds how long tick/Register will wait for callbackMu
// before giving up on dispatching a NewConnection/ConnectionLost/Latency
// notification, so a wedged embedder callback can't stall the ttl loop
// forever.
const callbackTimeout = 2 * time.Second

func (t *Table) dispatchCallback(fn func()) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	if err := t.callbackMu.CLock(ctx); err != nil {
		return
	}
	defer t.callbackMu.Unlock()
	fn()
}

// DebugDump renders the full live peer table for verbose debug logging.
func (t *Table) DebugDump() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return spew.Sdump(t.peers)
}

// SetLocalIP records the local-network endpoint cid reported for itself via
// SETLOCALIP, used by the forwarding engine's same-subnet shortcut.
func (t *Table) SetLocalIP(cid uint8, ep *net.UDPAddr) {
	if int(cid) >= wire.MaxStageID {
		return
	}
	if !t.mu.TryLock() {
		return
	}
	defer t.mu.Unlock()
	if !t.live[cid] {
		return
	}
	// Normalize to the 4-byte form: the rest of the protocol is IPv4-only,
	// and peers have been seen reporting endpoints with garbage family tags.
	if ep != nil {
		if ip4 := ep.IP.To4(); ip4 != nil {
			ep.IP = ip4
		}
	}
	t.peers[cid].LocalEndpoint = ep
}

// SetPubKey records cid's X25519 public key, presented via the PUBKEY
// control opcode.
func (t *Table) SetPubKey(cid uint8, key []byte) error {
	if int(cid) >= wire.MaxStageID {
		return errors.Errorf("peertable: caller id %d out of range", cid)
	}
	if len(key) != PubKeyLen {
		return errors.Errorf("peertable: public key must be %d bytes, got %d", PubKeyLen, len(key))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live[cid] {
		return errors.Errorf("peertable: caller id %d not registered", cid)
	}
	p := &t.peers[cid]
	copy(p.PubKey[:], key)
	p.HasPubKey = true
	return nil
}

// SetPingTime folds one round-trip sample into cid's rolling min/mean/max
// and refreshes its ttl, under the table's advisory lock: a contended
// sample is silently dropped
// rather than blocking the caller, since ping timing is a statistic, not a
// correctness property.
func (t *Table) SetPingTime(cid uint8, pingtimeMs float64) {
	if int(cid) >= wire.MaxStageID {
		return
	}
	if !t.mu.TryLock() {
		return
	}
	defer t.mu.Unlock()

	if !t.live[cid] {
		return
	}
	p := &t.peers[cid]
	p.Timeout = timeoutTicks
	if pingtimeMs < p.PingMin {
		p.PingMin = pingtimeMs
	}
	if pingtimeMs > p.PingMax {
		p.PingMax = pingtimeMs
	}
	p.PingSum += pingtimeMs
	p.PingN++
	p.NumReceived++
}

// RecordLost increments cid's lost-packet counter.
func (t *Table) RecordLost(cid uint8, n uint32) {
	if int(cid) >= wire.MaxStageID {
		return
	}
	if !t.mu.TryLock() {
		return
	}
	defer t.mu.Unlock()
	if t.live[cid] {
		t.peers[cid].NumLost += n
	}
}

// Get returns a copy of cid's descriptor and whether it is currently live.
func (t *Table) Get(cid uint8) (Peer, bool) {
	if int(cid) >= wire.MaxStageID {
		return Peer{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[cid], t.live[cid]
}

// Live calls fn once for every currently live caller id, in ascending
// order. fn must not call back into the table.
func (t *Table) Live(fn func(cid uint8, p Peer)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for cid := 0; cid < wire.MaxStageID; cid++ {
		if t.live[cid] {
			fn(uint8(cid), t.peers[cid])
		}
	}
}

// NumLive returns the count of currently live peers.
func (t *Table) NumLive() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n uint32
	for cid := 0; cid < wire.MaxStageID; cid++ {
		if t.live[cid] {
			n++
		}
	}
	return n
}

// tick decrements every live peer's ttl by one, evicting and reporting any
// peer that reaches zero, and rolls up/reports latency stats once per
// rollupInterval of wall-clock time.
func (t *Table) tick() {
	type rollup struct {
		cid               uint8
		min, mean, max    float64
		received, lostCnt uint32
	}

	var evicted []uint8
	var rollups []rollup

	t.mu.Lock()
	t.tickCount++
	doRollup := t.tickCount%t.rollupTicks() == 0

	for cid := 0; cid < wire.MaxStageID; cid++ {
		if !t.live[cid] {
			continue
		}
		p := &t.peers[cid]
		p.Timeout--
		if p.Timeout == 0 {
			t.live[cid] = false
			t.peers[cid] = Peer{}
			evicted = append(evicted, uint8(cid))
			continue
		}

		if doRollup && p.PingN > 0 {
			rollups = append(rollups, rollup{
				cid:      uint8(cid),
				min:      p.PingMin,
				mean:     p.PingSum / float64(p.PingN),
				max:      p.PingMax,
				received: p.NumReceived,
				lostCnt:  p.NumLost,
			})
			p.PingMin, p.PingMax, p.PingSum, p.PingN = 10000.0, 0, 0, 0
			p.NumReceived, p.NumLost = 0, 0
		}
	}
	t.mu.Unlock()

	if t.ConnectionLost != nil {
		for _, cid := range evicted {
			cid := cid
			t.dispatchCallback(func() { t.ConnectionLost(cid) })
		}
	}
	if t.Latency != nil {
		for _, r := range rollups {
			r := r
			t.dispatchCallback(func() { t.Latency(r.cid, r.min, r.mean, r.max, r.received, r.lostCnt) })
		}
	}
}

// StartTTL starts the ttl decrement loop. Call StopTTL to end it; the
// returned channel receives the loop's terminal error (nil on StopTTL).
func (t *Table) StartTTL(wg *sync.WaitGroup) <-chan error {
	t.pacer = heart.NewPacemaker(t.PingPeriod, func() error {
		t.tick()
		return nil
	})
	return t.pacer.StartAsync(wg)
}

// StopTTL stops the ttl decrement loop started by StartTTL.
func (t *Table) StopTTL() {
	if t.pacer != nil {
		t.pacer.Stop()
	}
}

// IsSameNetwork reports whether a and b share the same /24 IPv4 network,
// used by the forwarding engine to shortcut same-LAN peers onto their local
// endpoint. Two unset (zero) addresses are never considered the same
// network.
func IsSameNetwork(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	a4 := a.IP.To4()
	b4 := b.IP.To4()
	if a4 == nil || b4 == nil {
		return false
	}
	if a4.Equal(net.IPv4zero) || b4.Equal(net.IPv4zero) {
		return false
	}
	return a4[0] == b4[0] && a4[1] == b4[1] && a4[2] == b4[2]
}
