//go:build linux

package udpsock

import (
	"golang.org/x/sys/unix"
)

// setTOS sets IP_TOS on the underlying socket, used to mark outbound
// datagrams for DSCP expedited-forwarding treatment on networks that honor
// it. Best-effort: most container and CI sandboxes refuse CAP_NET_ADMIN-ish
// setsockopt calls, so failures here are never fatal.
func (e *Endpoint) setTOS(tos int) error {
	raw, err := e.conn.SyscallConn()
	if err != nil {
		return err
	}

	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
	})
	if err != nil {
		return err
	}
	return setErr
}

// setNetPriority sets SO_PRIORITY on the underlying socket.
func (e *Endpoint) setNetPriority(priority int) error {
	raw, err := e.conn.SyscallConn()
	if err != nil {
		return err
	}

	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, priority)
	})
	if err != nil {
		return err
	}
	return setErr
}
