// Package netif describes network interfaces the way the capture and
// conflict detection code needs them: index, name, hardware type and address.
package netif

import (
	"fmt"
	"net"
)

// ARP hardware types (ARPHRD_*).
const (
	HwEther      uint16 = 1
	HwIEEE802    uint16 = 6
	HwInfiniband uint16 = 32
	HwPPP        uint16 = 512
	HwLoopback   uint16 = 772
	HwNone       uint16 = 0xfffe
)

// Interface is a snapshot of one link.
type Interface struct {
	Index  int
	Name   string
	HwType uint16
	HwAddr net.HardwareAddr
	MTU    int
}

func (i Interface) String() string {
	return fmt.Sprintf("%s(%d)", i.Name, i.Index)
}

// Net returns the equivalent *net.Interface for socket APIs.
func (i Interface) Net() *net.Interface {
	return &net.Interface{
		Index:        i.Index,
		Name:         i.Name,
		HardwareAddr: i.HwAddr,
		MTU:          i.MTU,
	}
}

// hwTypeFromEncap maps netlink's link encapsulation names to ARPHRD values.
func hwTypeFromEncap(encap string, hwlen int) uint16 {
	switch encap {
	case "ether":
		return HwEther
	case "ieee802":
		return HwIEEE802
	case "infiniband":
		return HwInfiniband
	case "ppp":
		return HwPPP
	case "loopback":
		return HwLoopback
	case "none":
		return HwNone
	}
	return guessHwType(hwlen)
}

// guessHwType is used when the platform does not report a hardware type.
func guessHwType(hwlen int) uint16 {
	switch hwlen {
	case 6:
		return HwEther
	case 20:
		return HwInfiniband
	case 0:
		return HwNone
	}
	return 0
}

// FromNet converts a *net.Interface, guessing the hardware type from the
// address length.
func FromNet(ifi *net.Interface) Interface {
	return Interface{
		Index:  ifi.Index,
		Name:   ifi.Name,
		HwType: guessHwType(len(ifi.HardwareAddr)),
		HwAddr: ifi.HardwareAddr,
		MTU:    ifi.MTU,
	}
}
