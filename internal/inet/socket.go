// Package inet runs the inet-bootp, inet-nd and inet-dhcp6 socket workers
// and the manager side client that talks to them.
package inet

import (
	"net/netip"

	"grimm.is/leased/internal/netif"
	"grimm.is/leased/internal/privsep"
)

// Well known ports.
const (
	BOOTPClientPort = 68
	BOOTPServerPort = 67
	DHCP6ClientPort = 546
	DHCP6ServerPort = 547
)

// Socket is the network endpoint a worker owns. Control is the marshalled
// IP level control message of the socket's family.
type Socket interface {
	ReadFrom(b []byte) (n int, src netip.AddrPort, ifindex int, control []byte, err error)
	WriteTo(b []byte, control []byte, dst netip.AddrPort) error
	Close() error
}

// Opener opens the socket for a worker kind on an interface.
type Opener func(ifi netif.Interface, cmd privsep.Cmd) (Socket, error)

// OpenSocket is the production Opener.
func OpenSocket(ifi netif.Interface, cmd privsep.Cmd) (Socket, error) {
	switch cmd.Base() {
	case privsep.CmdBOOTP:
		return ListenUDP4(ifi, BOOTPClientPort)
	case privsep.CmdDHCP6:
		return ListenUDP6(ifi, DHCP6ClientPort)
	case privsep.CmdND:
		return ListenND(ifi)
	}
	return nil, privsep.ErrNotSupported
}

// Proto names the worker kind for logs and metrics.
func Proto(cmd privsep.Cmd) (string, bool) {
	switch cmd.Base() {
	case privsep.CmdBOOTP:
		return "bootp", true
	case privsep.CmdDHCP6:
		return "dhcp6", true
	case privsep.CmdND:
		return "nd", true
	}
	return "", false
}
