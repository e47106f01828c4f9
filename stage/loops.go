package stage

import (
	"context"
	"net"

	"github.com/stagebridge/ovlink/forward"
	"github.com/stagebridge/ovlink/peertable"
	"github.com/stagebridge/ovlink/sorter"
	"github.com/stagebridge/ovlink/udpsock"
	"github.com/stagebridge/ovlink/wire"
)

// receiveLoop reads locally-produced media from sock (one user port's
// worth), wraps it in a session header with the next sequence number for
// that port, evaluates the forwarding policy, and emits to every resulting
// destination. isDefaultPort selects between the full Outbound policy
// (local-network shortcut, downmix gate) and the simpler OutboundExtra
// policy the extra source ports use.
func (c *Client) receiveLoop(ctx context.Context, sock *udpsock.Endpoint, port wire.Port, isDefaultPort bool) error {
	buf := make([]byte, wire.MaxDatagramSize)
	sealBuf := make([]byte, wire.MaxDatagramSize)
	payloadBuf := make([]byte, wire.MaxPayloadLen)
	var seq int16

	policy := forward.Policy{
		SelfCID:   c.cfg.CallerID,
		Mode:      c.cfg.ModeFlags,
		SendLocal: c.cfg.SendLocalShortcut,
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, _, err := sock.RecvFrom(payloadBuf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			continue // transient network error, retry next iteration
		}

		hdr := wire.Header{
			Secret:   c.cfg.SessionSecret,
			CallerID: c.cfg.CallerID,
			DestPort: port,
			Sequence: seq,
		}
		seq++

		total := wire.Pack(buf, hdr, payloadBuf[:n])
		if total == 0 {
			continue // oversized frame, drop
		}
		frame := buf[:total]

		if c.sendLimiter != nil {
			if err := c.sendLimiter.Wait(ctx); err != nil {
				return nil // context canceled while waiting for a send slot
			}
		}

		var plan forward.Plan
		if isDefaultPort {
			plan = policy.Outbound(c.peers, c.selfEndpoint())
		} else {
			plan = policy.OutboundExtra(c.peers, c.selfEndpoint())
		}

		for _, target := range plan.Targets {
			if target.Addr == nil {
				continue
			}
			out := frame
			// Sealing is per-destination-peer, so the relay copy below
			// (which the relay may redistribute to peers we hold no key
			// for) always goes out in the clear; only direct peer-to-peer
			// deliveries get the opportunistic upgrade.
			if sealer := c.sealerFor(target.CID); sealer.Ready() {
				sealed := sealer.Seal(hdr, payloadBuf[:n])
				if t2 := wire.Pack(sealBuf, hdr, sealed); t2 > 0 {
					out = sealBuf[:t2]
				}
			}
			c.net.SendTo(out, target.Addr)
		}
		if plan.SendToServer {
			c.sendToRelay(frame)
		}

		if c.cfg.Metrics != nil {
			c.cfg.Metrics.TxBytes.Add(float64(total))
		}
	}
}

// sendLoop reads from the network socket, validates the session secret,
// feeds the sorter, drains every frame the sorter has ready, and dispatches
// each to processMsg.
func (c *Client) sendLoop(ctx context.Context) error {
	buf := make([]byte, wire.MaxDatagramSize)
	var frame sorter.Frame

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, from, err := c.net.RecvFrom(buf)
		if err != nil {
			if isTimeout(err) {
				c.drainSorter()
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		hdr, payload, ok := wire.Unpack(buf[:n])
		if !ok || hdr.Secret != c.cfg.SessionSecret {
			// Short header or secret mismatch: drop. Logged at debug level
			// only, rate-limited so sustained junk traffic can't flood.
			if c.dropLog.Allow() {
				Debug("stage: dropped datagram from", from, "len", n)
			}
			continue
		}

		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RxBytes.Add(float64(n))
		}

		frame = sorter.Frame{
			Valid:    true,
			CID:      hdr.CallerID,
			DestPort: hdr.DestPort,
			Seq:      hdr.Sequence,
			Payload:  append(frame.Payload[:0], payload...),
		}

		out, more := c.sorter.Process(&frame)
		for more {
			c.processMsg(out.CID, out.DestPort, out.Seq, out.Payload, from)
			out, more = c.sorter.Process(&sorter.Frame{})
		}
	}
}

// drainSorter flushes any frames the sorter is already holding (buf1/buf2)
// with no new input, called whenever a recv times out with nothing to feed.
func (c *Client) drainSorter() {
	out, more := c.sorter.Process(&sorter.Frame{})
	for more {
		c.processMsg(out.CID, out.DestPort, out.Seq, out.Payload, nil)
		out, more = c.sorter.Process(&sorter.Frame{})
	}
}

// processMsg dispatches one sorter-ordered, header-stripped frame: control
// opcodes update the peer table or ping stats; user ports are delivered to
// the local sink(s) and any proxy-clients outside this frame's origin
// network.
func (c *Client) processMsg(cid uint8, port wire.Port, seq int16, payload []byte, from *net.UDPAddr) {
	if !port.IsControl() {
		c.deliverUserPort(cid, port, seq, payload, from)
		return
	}

	switch port {
	case wire.PortRegister:
		mode := peertable.Mode(uint8(seq))
		version := decodeRegister(payload)
		ep := from
		if cid == c.cfg.CallerID {
			c.setSelfEndpoint(ep)
			return
		}
		c.peers.Register(cid, ep, mode, version)

	case wire.PortSetLocalIP:
		addr, err := decodeSockAddr(payload)
		if err == nil {
			c.peers.SetLocalIP(cid, addr)
		}

	case wire.PortListCID:
		// The relay uses LISTCID to broadcast the roster's public endpoints,
		// including our own entry (the only way a client behind NAT learns
		// its own observed address). seq carries the listed peer's
		// peer-to-peer flag.
		addr, err := decodeSockAddr(payload)
		if err != nil {
			return
		}
		if cid == c.cfg.CallerID {
			c.setSelfEndpoint(addr)
			return
		}
		mode := peertable.Mode(0)
		if seq != 0 {
			mode = peertable.PeerToPeer
		}
		if existing, live := c.peers.Get(cid); live {
			mode = existing.Mode
			if seq != 0 {
				mode |= peertable.PeerToPeer
			} else {
				mode &^= peertable.PeerToPeer
			}
		}
		c.peers.Register(cid, addr, mode, "")

	case wire.PortPing:
		c.replyPong(wire.PortPong, payload, from)

	case wire.PortPingLocal:
		c.replyPong(wire.PortPongLocal, payload, from)

	case wire.PortPingSrv:
		target, tSend, senderAddr, err := decodePingSrv(payload)
		if err != nil {
			return
		}
		// The relay is expected to forward this to target; if we are the
		// target ourselves (loopback testing, or a relay-less direct
		// wiring), answer directly.
		if target == c.cfg.CallerID {
			c.sendPong(wire.PortPongSrv, tSend, senderAddr)
		}

	case wire.PortPong, wire.PortPongLocal, wire.PortPongSrv:
		tSend, _, err := decodePing(payload)
		if err != nil {
			return
		}
		rttMs := (c.secondsSinceStart() - tSend) * 1000
		kind := map[wire.Port]string{
			wire.PortPong:      "direct",
			wire.PortPongLocal: "local",
			wire.PortPongSrv:   "relay",
		}[port]
		c.recordLatency(cid, kind, rttMs)

	case wire.PortPubkey:
		c.peers.SetPubKey(cid, payload)
		c.establishSeal(cid, payload)

	case wire.PortPeerLatRep:
		// Advisory telemetry a peer reports about its own link to some
		// third caller id; surfaced to the embedder only, since it
		// describes a link this client isn't a party to.
		if reportedCID, min, median, p99, received, lost, err := decodeLatencyReport(payload); err == nil {
			if c.cfg.PeerLatencyReport != nil {
				c.cfg.PeerLatencyReport(cid, reportedCID, min, median, p99, received, lost)
			}
		}
	}
}

// replyPong answers a PING/PING_LOCAL in place, rewriting the opcode and
// caller id without touching the timestamp or sender-sockaddr fields.
func (c *Client) replyPong(pongPort wire.Port, payload []byte, from *net.UDPAddr) {
	buf := frameBufPool.Get().([]byte)
	defer frameBufPool.Put(buf)
	hdr := wire.Header{
		Secret:   c.cfg.SessionSecret,
		CallerID: c.cfg.CallerID,
		DestPort: pongPort,
	}
	total := wire.Pack(buf, hdr, payload)
	if total == 0 || from == nil {
		return
	}
	c.net.SendTo(buf[:total], from)
}

// sendPong is used for the PONG_SRV path, which always answers back via
// the relay rather than directly to the sockaddr embedded in the probe.
func (c *Client) sendPong(pongPort wire.Port, tSend float64, senderAddr *net.UDPAddr) {
	buf := frameBufPool.Get().([]byte)
	defer frameBufPool.Put(buf)
	hdr := wire.Header{
		Secret:   c.cfg.SessionSecret,
		CallerID: c.cfg.CallerID,
		DestPort: pongPort,
	}
	payload := encodePing(tSend, senderAddr)
	total := wire.Pack(buf, hdr, payload)
	if total == 0 {
		return
	}
	c.sendToRelay(buf[:total])
}

// deliverUserPort writes an inbound user-port frame to the local sink(s)
// configured for it, and fans the unwrapped payload out to any proxy
// clients outside the frame's origin network. If cid has an established
// sealer, an Open attempt is made first; a failed or skipped Open falls back
// to the bytes as received, since sealing is opportunistic.
func (c *Client) deliverUserPort(cid uint8, port wire.Port, seq int16, payload []byte, from *net.UDPAddr) {
	loopback := net.IPv4(127, 0, 0, 1)

	plain := payload
	if sealer := c.sealerFor(cid); sealer.Ready() {
		hdr := wire.Header{Secret: c.cfg.SessionSecret, CallerID: cid, DestPort: port, Sequence: seq}
		if opened, ok := sealer.Open(hdr, payload); ok {
			plain = opened
		}
	}

	ports := forward.LocalDelivery(port, uint16(c.cfg.DefaultUserPort), c.cfg.PortOffset, c.cfg.ExtraDeliveryOffsets)
	for _, p := range ports {
		c.local.SendTo(plain, &net.UDPAddr{IP: loopback, Port: int(p)})
	}

	if len(c.cfg.ProxyClients) == 0 {
		return
	}
	selfEP := c.selfEndpoint()
	targets := forward.ProxyTargets(cid, from, selfEP, c.cfg.ProxyClients)
	for _, addr := range targets {
		c.net.SendTo(payload, addr)
	}
}
