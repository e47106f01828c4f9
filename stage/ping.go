package stage

import (
	"context"
	"net"

	"github.com/stagebridge/ovlink/peertable"
	"github.com/stagebridge/ovlink/stage/pubkey"
	"github.com/stagebridge/ovlink/utils/heart"
	"github.com/stagebridge/ovlink/wire"
)

// pingLoop re-registers with the relay every PingPeriod and, for each other
// live peer, emits the direct/via-relay/local probe triple.
func (c *Client) pingLoop(ctx context.Context) error {
	pacer := heart.NewPacemaker(c.cfg.pingPeriod(), func() error {
		c.sendRegister()
		c.announcePubkey()
		c.probeLivePeers()
		return nil
	})
	death := pacer.StartAsync(nil)

	select {
	case <-ctx.Done():
		pacer.Stop()
		<-death
		return nil
	case err := <-death:
		return err
	}
}

// sendRegister sends a REGISTER to the relay advertising this client's
// current mode and local endpoint.
func (c *Client) sendRegister() {
	buf := frameBufPool.Get().([]byte)
	defer frameBufPool.Put(buf)
	hdr := wire.Header{
		Secret:   c.cfg.SessionSecret,
		CallerID: c.cfg.CallerID,
		DestPort: wire.PortRegister,
		Sequence: int16(uint8(c.cfg.ModeFlags)),
	}
	payload := encodeRegister(c.cfg.Version)
	if total := wire.Pack(buf, hdr, payload); total > 0 {
		c.sendToRelay(buf[:total])
	}

	localAddr := c.local.LocalAddr()
	hdr.DestPort = wire.PortSetLocalIP
	hdr.Sequence = 0
	sa := encodeSockAddr(localAddr)
	if total := wire.Pack(buf, hdr, sa[:]); total > 0 {
		c.sendToRelay(buf[:total])
	}
}

// announcePubkey broadcasts our X25519 public key to the relay (which
// rebroadcasts it to the roster) once per ping period, simpler than
// tracking who has already seen it.
func (c *Client) announcePubkey() {
	buf := frameBufPool.Get().([]byte)
	defer frameBufPool.Put(buf)
	hdr := wire.Header{
		Secret:   c.cfg.SessionSecret,
		CallerID: c.cfg.CallerID,
		DestPort: wire.PortPubkey,
	}
	if total := wire.Pack(buf, hdr, c.keys.Public[:]); total > 0 {
		c.sendToRelay(buf[:total])
	}
}

// probeLivePeers emits the PING / PING_SRV / PING_LOCAL triple toward every
// other live peer. The local probe only goes out when the peer shares this
// client's /24 and has reported a local endpoint.
func (c *Client) probeLivePeers() {
	self := c.selfEndpoint()
	tSend := c.secondsSinceStart()

	c.peers.Live(func(cid uint8, p peertable.Peer) {
		if cid == c.cfg.CallerID {
			return
		}

		ps := c.probesFor(cid)

		ps.direct.Sent++
		c.sendProbe(wire.PortPing, encodePing(tSend, self), p.Endpoint)

		ps.viaRelay.Sent++
		c.sendProbeRelay(encodePingSrv(cid, tSend, self))

		if peertable.IsSameNetwork(self, p.Endpoint) && p.LocalEndpoint != nil {
			ps.local.Sent++
			c.sendProbe(wire.PortPingLocal, encodePing(tSend, self), p.LocalEndpoint)
		}
	})
}

// sendProbe packs and sends one PING/PING_SRV/PING_LOCAL datagram. A nil
// destination (peer local/public endpoint not yet known) is silently
// skipped.
func (c *Client) sendProbe(port wire.Port, payload []byte, to *net.UDPAddr) {
	if to == nil {
		return
	}
	buf := frameBufPool.Get().([]byte)
	defer frameBufPool.Put(buf)
	hdr := wire.Header{
		Secret:   c.cfg.SessionSecret,
		CallerID: c.cfg.CallerID,
		DestPort: port,
	}
	if total := wire.Pack(buf, hdr, payload); total > 0 {
		c.net.SendTo(buf[:total], to)
	}
}

// sendProbeRelay packs and sends one PING_SRV probe to the relay, which
// forwards it to the caller id named in the payload.
func (c *Client) sendProbeRelay(payload []byte) {
	buf := frameBufPool.Get().([]byte)
	defer frameBufPool.Put(buf)
	hdr := wire.Header{
		Secret:   c.cfg.SessionSecret,
		CallerID: c.cfg.CallerID,
		DestPort: wire.PortPingSrv,
	}
	if total := wire.Pack(buf, hdr, payload); total > 0 {
		c.sendToRelay(buf[:total])
	}
}

// sealerFor returns a copy of cid's current Sealer state. Returning by value
// under the lock, rather than a pointer into the array, keeps callers from
// needing to hold sealMu across a Seal/Open call.
func (c *Client) sealerFor(cid uint8) *pubkey.Sealer {
	if int(cid) >= len(c.sealers) {
		return &pubkey.Sealer{}
	}
	c.sealMu.Lock()
	s := c.sealers[cid]
	c.sealMu.Unlock()
	return &s
}

func (c *Client) establishSeal(cid uint8, keyPayload []byte) {
	if len(keyPayload) != pubkey.KeyLen {
		return
	}
	var peerPub [pubkey.KeyLen]byte
	copy(peerPub[:], keyPayload)

	c.sealMu.Lock()
	defer c.sealMu.Unlock()
	if int(cid) >= len(c.sealers) {
		return
	}
	c.sealers[cid].Establish(c.keys, peerPub)
}

// onNewConnection is wired to peertable.Table.NewConnection.
func (c *Client) onNewConnection(cid uint8, p peertable.Peer) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.PeersLive.Set(float64(c.peers.NumLive()))
		c.cfg.Metrics.ConnectEvents.WithLabelValues(cidLabel(cid), "joined").Inc()
	}
	Debug("stage: new connection", cid, p.Endpoint)
}

// onConnectionLost is wired to peertable.Table.ConnectionLost.
func (c *Client) onConnectionLost(cid uint8) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.PeersLive.Set(float64(c.peers.NumLive()))
		c.cfg.Metrics.ConnectEvents.WithLabelValues(cidLabel(cid), "left").Inc()
	}
	c.sealMu.Lock()
	c.sealers[cid] = pubkey.Sealer{}
	c.sealMu.Unlock()
	Debug("stage: connection lost", cid)
}

// onLatencyRollup is wired to peertable.Table.Latency. The min/mean/max the
// table hands us come from its own cheap running accumulator (kept for ttl
// refresh purposes and mixing all three probe kinds together); the PEERLATREP
// wire payload instead wants order-statistic median/p99, so those are
// recomputed here from the direct-probe ring buffer via pingstat.State,
// advancing that peer's rollup baseline in the same step.
func (c *Client) onLatencyRollup(cid uint8, min, mean, max float64, received, lost uint32) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.PacketsReceived.WithLabelValues(cidLabel(cid)).Add(float64(received))
		c.cfg.Metrics.PacketsLost.WithLabelValues(cidLabel(cid)).Add(float64(lost))
	}

	ps := c.probesFor(cid)

	st := c.sorter.Stat(cid)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SeqErrors.WithLabelValues(cidLabel(cid), "in").Add(float64(st.SeqErrIn - ps.prevSeqErrIn))
		c.cfg.Metrics.SeqErrors.WithLabelValues(cidLabel(cid), "out").Add(float64(st.SeqErrOut - ps.prevSeqErrOut))
	}
	ps.prevSeqErrIn, ps.prevSeqErrOut = st.SeqErrIn, st.SeqErrOut
	snap := ps.directState.Update(&ps.direct)
	median, p99 := snap.Median, snap.P99
	if median < 0 {
		median = mean
	}
	if p99 < 0 {
		p99 = max
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.PingMillis.WithLabelValues(cidLabel(cid), "direct", "min").Set(min)
		c.cfg.Metrics.PingMillis.WithLabelValues(cidLabel(cid), "direct", "median").Set(median)
		c.cfg.Metrics.PingMillis.WithLabelValues(cidLabel(cid), "direct", "p99").Set(p99)
	}

	buf := frameBufPool.Get().([]byte)
	defer frameBufPool.Put(buf)
	hdr := wire.Header{
		Secret:   c.cfg.SessionSecret,
		CallerID: c.cfg.CallerID,
		DestPort: wire.PortPeerLatRep,
	}
	payload := encodeLatencyReport(cid, min, median, p99, uint64(received), uint64(lost))
	if total := wire.Pack(buf, hdr, payload); total > 0 {
		c.sendToRelay(buf[:total])
	}
}
