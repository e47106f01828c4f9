//go:build !linux

package udpsock

// setTOS is a no-op on platforms without IP_TOS/SO_PRIORITY setsockopt
// parity with Linux. QoS marking there is left to the OS/network stack.
func (e *Endpoint) setTOS(tos int) error {
	return nil
}

func (e *Endpoint) setNetPriority(priority int) error {
	return nil
}
