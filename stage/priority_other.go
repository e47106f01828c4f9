//go:build !linux

package stage

// raisePriority is a no-op on platforms without a nice()/setpriority
// equivalent exposed through golang.org/x/sys.
func raisePriority(niceDelta int) error {
	return nil
}
