// Package tcptunnel implements a TCP fallback transport for stage sessions
// that cannot complete a UDP path (symmetric NAT, UDP-blocking firewalls).
// Every UDP datagram is carried as one length-prefixed TCP frame; on each
// end a small bridge goroutine pumps frames to and from a local loopback UDP
// socket, so the rest of the session engine never has to know whether a
// given peer is reachable over UDP or tunneled over TCP.
package tcptunnel

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// MaxFrameSize is the largest payload a frame may carry, matching the
// session datagram cap so a tunneled frame never needs to be split.
const MaxFrameSize = 8192

// ErrFrameTooLarge is returned by ReadFrame when a peer announces a frame
// length that exceeds MaxFrameSize. The connection must be closed: there is
// no way to resynchronize the length-prefixed stream otherwise.
var ErrFrameTooLarge = errors.New("tcptunnel: frame exceeds maximum size")

// WriteFrame writes payload to w as a 4-byte little-endian length prefix
// followed by the payload bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "tcptunnel: write frame length")
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "tcptunnel: write frame payload")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r into buf, returning the
// slice of buf holding the payload. buf must have capacity >= MaxFrameSize.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if n == 0 {
		return buf[:0], nil
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return nil, errors.Wrap(err, "tcptunnel: read frame payload")
	}
	return buf[:n], nil
}

// udpPumpTimeout bounds how long the bridge blocks on the local UDP socket
// before checking ctx, matching the 10ms recv timeout the session runtime
// uses to keep its own goroutines promptly cancelable.
const udpPumpTimeout = 10 * time.Millisecond

// Bridge duplex-pumps datagrams between conn (a TCP tunnel connection, on
// either the server or client side) and a local UDP socket connected to
// target. It blocks until ctx is canceled or either side errors, then closes
// conn and returns the terminating error (nil on clean cancellation).
func Bridge(ctx context.Context, conn net.Conn, target *net.UDPAddr) error {
	local, err := net.DialUDP("udp4", nil, target)
	if err != nil {
		return errors.Wrap(err, "tcptunnel: dial local relay target")
	}
	defer local.Close()

	errc := make(chan error, 2)

	go func() {
		errc <- pumpTCPToUDP(ctx, conn, local)
	}()
	go func() {
		errc <- pumpUDPToTCP(ctx, local, conn)
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		local.Close()
		<-errc
		<-errc
		return nil
	case err := <-errc:
		conn.Close()
		local.Close()
		return err
	}
}

func pumpTCPToUDP(ctx context.Context, conn net.Conn, local *net.UDPConn) error {
	buf := make([]byte, MaxFrameSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		payload, err := ReadFrame(conn, buf)
		if err != nil {
			return err
		}
		if _, err := local.Write(payload); err != nil {
			return errors.Wrap(err, "tcptunnel: write to local relay target")
		}
	}
}

func pumpUDPToTCP(ctx context.Context, local *net.UDPConn, conn net.Conn) error {
	buf := make([]byte, MaxFrameSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		local.SetReadDeadline(time.Now().Add(udpPumpTimeout))
		n, err := local.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "tcptunnel: read from local relay target")
		}
		if err := WriteFrame(conn, buf[:n]); err != nil {
			return err
		}
	}
}

// Listener accepts TCP tunnel connections and bridges each one to a fixed
// local UDP target, e.g. the relay server's own session port.
type Listener struct {
	ln     net.Listener
	target *net.UDPAddr
}

// Listen opens a TCP listener on addr whose connections are each bridged to
// target.
func Listen(addr string, target *net.UDPAddr) (*Listener, error) {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, "tcptunnel: listen")
	}
	return &Listener{ln: ln, target: target}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until ctx is canceled or the listener errors,
// bridging each accepted connection in its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "tcptunnel: accept")
		}
		go func() {
			_ = Bridge(ctx, conn, l.target)
		}()
	}
}

// Dial connects to a remote tunnel listener and bridges the connection to a
// local UDP socket connected to localTarget, so the caller's session engine,
// listening at localTarget, keeps talking plain UDP while the byte stream
// rides the TCP connection underneath.
func Dial(ctx context.Context, addr string, localTarget *net.UDPAddr) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return errors.Wrap(err, "tcptunnel: dial")
	}
	return Bridge(ctx, conn, localTarget)
}
