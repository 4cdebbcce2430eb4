//go:build linux

package inet

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// bindControl binds the socket to one device and lets other daemons share
// the port.
func bindControl(ifname string) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if serr == nil && ifname != "" {
				serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}
