//go:build linux

package stage

import "golang.org/x/sys/unix"

// raisePriority gives the send/receive goroutines a best-effort scheduling
// priority bump via nice. Failure (most often EPERM outside of
// CAP_SYS_NICE) is never fatal: the goroutine runs at normal scheduling
// priority instead.
func raisePriority(niceDelta int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, 0, -niceDelta)
}
