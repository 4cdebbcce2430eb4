package arp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var errNotIPv4 = errors.New("arp: not an IPv4 packet")

// Packet is an ARP packet for IPv4.
type Packet struct {
	Op     uint16
	HwType uint16
	SHA    net.HardwareAddr
	SPA    netip.Addr
	THA    net.HardwareAddr
	TPA    netip.Addr
}

// NewProbe returns the probe for addr sent from hw: sender 0.0.0.0.
func NewProbe(hwType uint16, hw net.HardwareAddr, addr netip.Addr) Packet {
	return Packet{
		Op:     layers.ARPRequest,
		HwType: hwType,
		SHA:    hw,
		SPA:    netip.IPv4Unspecified(),
		THA:    make(net.HardwareAddr, len(hw)),
		TPA:    addr,
	}
}

// NewAnnouncement returns the gratuitous request claiming addr for hw.
func NewAnnouncement(hwType uint16, hw net.HardwareAddr, addr netip.Addr) Packet {
	p := NewProbe(hwType, hw, addr)
	p.SPA = addr
	return p
}

// Parse decodes an ARP payload with the link header already removed.
func Parse(b []byte) (Packet, error) {
	var a layers.ARP
	if err := a.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return Packet{}, fmt.Errorf("arp: %w", err)
	}
	if a.Protocol != layers.EthernetTypeIPv4 || a.ProtAddressSize != 4 {
		return Packet{}, errNotIPv4
	}
	spa, _ := netip.AddrFromSlice(a.SourceProtAddress)
	tpa, _ := netip.AddrFromSlice(a.DstProtAddress)
	return Packet{
		Op:     a.Operation,
		HwType: uint16(a.AddrType),
		SHA:    net.HardwareAddr(a.SourceHwAddress),
		SPA:    spa,
		THA:    net.HardwareAddr(a.DstHwAddress),
		TPA:    tpa,
	}, nil
}

// Marshal encodes p without a link header.
func (p Packet) Marshal() ([]byte, error) {
	if !p.SPA.Is4() || !p.TPA.Is4() {
		return nil, errNotIPv4
	}
	tha := p.THA
	if len(tha) == 0 {
		tha = make(net.HardwareAddr, len(p.SHA))
	}
	a := &layers.ARP{
		AddrType:          layers.LinkType(p.HwType),
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     uint8(len(p.SHA)),
		ProtAddressSize:   4,
		Operation:         p.Op,
		SourceHwAddress:   p.SHA,
		SourceProtAddress: p.SPA.AsSlice(),
		DstHwAddress:      tha,
		DstProtAddress:    p.TPA.AsSlice(),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, a); err != nil {
		return nil, fmt.Errorf("arp: %w", err)
	}
	return buf.Bytes(), nil
}
