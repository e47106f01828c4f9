// Package udpsock owns the single bound UDP socket a stage client uses for
// both control and media traffic. It wraps net.UDPConn with the QoS knobs,
// byte counters, and send/recv helpers the session transport engine needs.
package udpsock

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/stagebridge/ovlink/utils/moreatomic"
)

// ErrClosed is returned by Send/RecvFrom once the endpoint has been closed.
var ErrClosed = errors.New("udpsock: endpoint closed")

// Endpoint owns one bound UDP socket. It is safe for concurrent use: Send*
// methods and RecvFrom may be called from different goroutines, matching the
// send/receive goroutine split in the client runtime.
type Endpoint struct {
	conn *net.UDPConn
	dest *net.UDPAddr // default destination set via SetDestination, nil if unset

	timeout time.Duration // 0 == blocking

	txBytes moreatomic.Uint64
	rxBytes moreatomic.Uint64

	closed moreatomic.Bool
}

// New opens an unconnected UDP socket on an OS-assigned wildcard port. Call
// Bind before using it. Bind replaces this socket with a new one, so socket
// options set between New and Bind do not carry over.
func New() (*Endpoint, error) {
	// A bind to port 0 with no address opens the socket immediately.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open UDP socket")
	}

	ep := &Endpoint{conn: conn}

	if err := ep.setNetPriority(6); err != nil {
		// Non-fatal: QoS is best-effort.
		_ = err
	}
	if err := ep.setTOS(0xC0); err != nil {
		_ = err
	}

	return ep, nil
}

// Bind closes the socket opened by New and rebinds it to port (0 ⇒
// OS-assigned), on loopback if loopback is true else on the wildcard
// address. It returns the concrete port bound.
func (e *Endpoint) Bind(port uint16, loopback bool) (uint16, error) {
	if e.conn != nil {
		e.conn.Close()
	}

	ip := net.IPv4zero
	if loopback {
		ip = net.IPv4(127, 0, 0, 1)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: int(port)})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to bind UDP socket to port %d", port)
	}

	e.conn = conn

	if err := e.setNetPriority(6); err != nil {
		_ = err
	}
	if err := e.setTOS(0xC0); err != nil {
		_ = err
	}

	return uint16(conn.LocalAddr().(*net.UDPAddr).Port), nil
}

// SetExpeditedForwardingPHB sets IP_TOS to the RFC 2598 expedited
// forwarding codepoint (0xB8) instead of the default CS6-ish 0xC0 used by
// Bind. Failure is logged by the caller, never fatal.
func (e *Endpoint) SetExpeditedForwardingPHB() error {
	return e.setTOS(0xB8)
}

// SetTimeout sets the receive timeout; zero means block forever. UDP sockets
// on most platforms have no portable SO_RCVTIMEO equivalent through the
// net package, so this is applied as a read deadline immediately before
// every RecvFrom call.
func (e *Endpoint) SetTimeout(d time.Duration) {
	e.timeout = d
}

// SetDestination resolves host and stores it as the default destination for
// SendToPort. The port of the resolved address is overwritten per-call by
// SendToPort.
func (e *Endpoint) SetDestination(host string) error {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, "0"))
	if err != nil {
		return errors.Wrapf(err, "failed to resolve destination host %q", host)
	}
	e.dest = addr
	return nil
}

// Destination returns the currently configured default destination, or nil
// if SetDestination has not been called.
func (e *Endpoint) Destination() *net.UDPAddr {
	if e.dest == nil {
		return nil
	}
	cp := *e.dest
	return &cp
}

// LocalAddr returns the address the socket is bound to.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// SendToPort sends buf to the configured default destination at portno.
// Sending to port 0 is a no-op that reports success, used to suppress
// unwanted forwarding branches without an extra conditional at call sites.
func (e *Endpoint) SendToPort(buf []byte, portno uint16) (int, error) {
	if portno == 0 {
		return len(buf), nil
	}
	if e.dest == nil {
		return 0, errors.New("udpsock: no destination configured")
	}

	addr := *e.dest
	addr.Port = int(portno)
	return e.SendTo(buf, &addr)
}

// SendTo sends buf to the given endpoint and updates the tx byte counter.
func (e *Endpoint) SendTo(buf []byte, addr *net.UDPAddr) (int, error) {
	if e.closed.Get() {
		return 0, ErrClosed
	}

	n, err := e.conn.WriteToUDP(buf, addr)
	if err != nil {
		return n, errors.Wrap(err, "udpsock: send failed")
	}

	e.txBytes.Add(uint64(n))
	return n, nil
}

// RecvFrom blocks (up to the configured timeout) for one datagram and
// returns it along with the sender's address. A timeout expiring with no
// data is reported as a net.Error with Timeout() == true; callers should
// treat it as a transient condition and retry.
func (e *Endpoint) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	if e.closed.Get() {
		return 0, nil, ErrClosed
	}

	if e.timeout > 0 {
		e.conn.SetReadDeadline(time.Now().Add(e.timeout))
	} else {
		e.conn.SetReadDeadline(time.Time{})
	}

	n, addr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		return n, addr, err
	}

	e.rxBytes.Add(uint64(n))
	return n, addr, nil
}

// TxBytes returns the cumulative number of bytes sent through this socket.
func (e *Endpoint) TxBytes() uint64 { return e.txBytes.Get() }

// RxBytes returns the cumulative number of bytes received through this
// socket.
func (e *Endpoint) RxBytes() uint64 { return e.rxBytes.Get() }

// Close closes the underlying socket. Safe to call more than once.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false) {
		return nil
	}
	return e.conn.Close()
}

// SendLimiter returns a rate.Limiter configured for one send every
// interval, used to pace outbound media frames for embedders whose local
// audio engine doesn't pace them itself.
func SendLimiter(interval time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(interval), 1)
}
