//go:build unix && !linux

package inet

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// bindControl only shares the port; datagrams from other interfaces are
// dropped by the worker's index check.
func bindControl(string) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return serr
	}
}
