// Package forward implements the stage client's fan-out policy: given one
// outbound user-port frame and the current peer table, decide which peers
// get a direct send, whether the relay server needs a copy too, and which
// local destinations (and proxied clients) an inbound frame should be
// delivered to.
//
// The policy is kept as pure decision functions, separate from the sockets
// that carry them out, so it can be exercised without a network.
package forward

import (
	"net"

	"github.com/stagebridge/ovlink/peertable"
	"github.com/stagebridge/ovlink/wire"
)

// Target names one peer that should receive a direct copy of an outbound
// frame, and the concrete address to send it to (which may be the peer's
// local-network endpoint instead of its public one).
type Target struct {
	CID  uint8
	Addr *net.UDPAddr
}

// Plan is the result of evaluating the fan-out policy for one outbound
// frame.
type Plan struct {
	Targets      []Target
	SendToServer bool
}

// Policy holds the caller's own identity and mode, needed to evaluate
// per-peer fan-out rules against every other live peer.
type Policy struct {
	SelfCID   uint8
	Mode      peertable.Mode
	SendLocal bool // prefer a peer's local endpoint when on the same /24
}

// Outbound evaluates the fan-out plan for a normal user-port frame sent
// from the default local receiver. selfEndpoint is this client's own
// registered public endpoint (used for the same-network test against each
// peer).
func (p Policy) Outbound(peers *peertable.Table, selfEndpoint *net.UDPAddr) Plan {
	return p.fanout(peers, selfEndpoint, true)
}

// OutboundExtra evaluates the fan-out plan for a frame received on one of
// the extra local source ports. It never takes the same-network
// local-endpoint shortcut and never gates on downmix-symmetry, since the
// extra ports exist precisely to move tracks that wouldn't qualify for the
// default downmix port's rules.
func (p Policy) OutboundExtra(peers *peertable.Table, selfEndpoint *net.UDPAddr) Plan {
	return p.fanout(peers, selfEndpoint, false)
}

func (p Policy) fanout(peers *peertable.Table, selfEndpoint *net.UDPAddr, isDefaultPort bool) Plan {
	plan := Plan{SendToServer: !p.Mode.Has(peertable.PeerToPeer)}

	if !p.Mode.Has(peertable.PeerToPeer) {
		return plan
	}

	peers.Live(func(cid uint8, peer peertable.Peer) {
		if cid == p.SelfCID {
			return
		}
		if !peer.Mode.Has(peertable.PeerToPeer) {
			plan.SendToServer = true
			return
		}

		sameNetwork := peertable.IsSameNetwork(selfEndpoint, peer.Endpoint) && peer.LocalEndpoint != nil

		blocked := peer.Mode.Has(peertable.DoNotSend)
		proxyException := peer.Mode.Has(peertable.UsingProxy) && sameNetwork
		if blocked && !proxyException {
			if !isDefaultPort {
				plan.SendToServer = true
			}
			return
		}

		if isDefaultPort && peer.Mode.Has(peertable.ReceiveDownmix) != p.Mode.Has(peertable.SendDownmix) {
			// Downmix symmetry gate only applies to the default port.
			return
		}

		addr := peer.Endpoint
		if isDefaultPort && p.SendLocal && sameNetwork {
			addr = peer.LocalEndpoint
		}
		plan.Targets = append(plan.Targets, Target{CID: cid, Addr: addr})
	})

	return plan
}

// LocalDelivery computes which local UDP ports an inbound user-port frame
// should be written to: the offset primary port plus every configured extra
// delivery offset, skipping the port the client itself reads from.
func LocalDelivery(destPort wire.Port, recvPort, portOffset uint16, extraOffsets []uint16) []uint16 {
	var ports []uint16

	primary := uint16(destPort) + portOffset
	if primary != recvPort {
		ports = append(ports, primary)
	}
	for _, xd := range extraOffsets {
		p := uint16(destPort) + xd
		if p != recvPort {
			ports = append(ports, p)
		}
	}
	return ports
}

// ProxyTargets returns the proxy clients (other than the frame's own
// sender) that an inbound frame not originating from this client's local
// network should be relayed to unencoded.
func ProxyTargets(senderCID uint8, senderEndpoint, localEndpoint *net.UDPAddr, proxyClients map[uint8]*net.UDPAddr) []*net.UDPAddr {
	if peertable.IsSameNetwork(senderEndpoint, localEndpoint) {
		return nil
	}

	var out []*net.UDPAddr
	for cid, addr := range proxyClients {
		if cid == senderCID {
			continue
		}
		out = append(out, addr)
	}
	return out
}
