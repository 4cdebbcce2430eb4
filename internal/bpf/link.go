// Package bpf compiles the ARP and BOOTP capture filters and owns the capture
// handle that reads filtered frames from a device.
package bpf

import (
	"fmt"
	"syscall"

	"github.com/google/gopacket/layers"

	"grimm.is/leased/internal/netif"
)

var (
	// ErrNotSupported is returned for link types the filters cannot handle.
	ErrNotSupported = fmt.Errorf("bpf: link type not supported: %w", syscall.ENOTSUP)
	// ErrNoBufs is returned when a program would exceed its length bound.
	ErrNoBufs = fmt.Errorf("bpf: program too long: %w", syscall.ENOBUFS)
)

// Protocol selects what a capture handle is opened for.
type Protocol int

const (
	ProtoARP Protocol = iota + 1
	ProtoBOOTP
)

func (p Protocol) String() string {
	switch p {
	case ProtoARP:
		return "arp"
	case ProtoBOOTP:
		return "bootp"
	}
	return fmt.Sprintf("proto(%d)", int(p))
}

// Ethertype is the link protocol the handle binds to.
func (p Protocol) Ethertype() layers.EthernetType {
	if p == ProtoARP {
		return layers.EthernetTypeARP
	}
	return layers.EthernetTypeIPv4
}

// Link describes the framing of one hardware type.
type Link struct {
	HwType    uint16
	HwLen     int
	HeaderLen int
	// ARP is false for links without hardware addresses.
	ARP bool
}

// etherTypeOffset is where the ethertype sits in the link header.
func (l Link) etherTypeOffset() uint32 {
	return uint32(l.HeaderLen - 2)
}

// LinkFor returns the framing for ifi's hardware type.
func LinkFor(ifi netif.Interface) (Link, error) {
	switch ifi.HwType {
	case netif.HwEther:
		return Link{HwType: netif.HwEther, HwLen: 6, HeaderLen: 14, ARP: true}, nil
	case netif.HwNone, netif.HwPPP:
		return Link{HwType: ifi.HwType}, nil
	}
	return Link{}, fmt.Errorf("%s: hardware type %d: %w", ifi.Name, ifi.HwType, ErrNotSupported)
}
