// Package dhcp decodes what the manager receives from the BOOTP capture
// worker and the socket workers, and drives address discovery up to the
// conflict check of an offered address.
package dhcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

var (
	ErrNotBOOTP    = errors.New("dhcp: not a BOOTP datagram")
	ErrFragment    = errors.New("dhcp: fragmented datagram")
	ErrTruncated   = errors.New("dhcp: truncated datagram")
	ErrBadChecksum = errors.New("dhcp: bad checksum")
)

// Ports.
const (
	ServerPort = 67
	ClientPort = 68
)

// DecodeFrame extracts the BOOTP message from an IPv4 packet addressed to the
// client port. partialCsum skips the UDP checksum, which the sending NIC has
// not filled in yet.
func DecodeFrame(b []byte, partialCsum bool) (*dhcpv4.DHCPv4, netip.AddrPort, error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("%w: %v", ErrNotBOOTP, err)
	}
	if ip.Version != 4 || ip.Protocol != layers.IPProtocolUDP {
		return nil, netip.AddrPort{}, ErrNotBOOTP
	}
	if ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
		return nil, netip.AddrPort{}, ErrFragment
	}
	if len(b) < int(ip.Length) {
		return nil, netip.AddrPort{}, ErrTruncated
	}
	if !headerChecksumValid(ip.Contents) {
		return nil, netip.AddrPort{}, fmt.Errorf("%w: ip header", ErrBadChecksum)
	}

	var udp layers.UDP
	if err := udp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("%w: %v", ErrNotBOOTP, err)
	}
	if udp.SrcPort != ServerPort || udp.DstPort != ClientPort {
		return nil, netip.AddrPort{}, ErrNotBOOTP
	}
	if int(udp.Length) > len(ip.Payload) {
		return nil, netip.AddrPort{}, ErrTruncated
	}
	if udp.Checksum != 0 && !partialCsum {
		ok, err := udpChecksumValid(&ip, &udp)
		if err != nil {
			return nil, netip.AddrPort{}, err
		}
		if !ok {
			return nil, netip.AddrPort{}, fmt.Errorf("%w: udp", ErrBadChecksum)
		}
	}

	m, err := dhcpv4.FromBytes(udp.Payload)
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("dhcp: %w", err)
	}
	src, _ := netip.AddrFromSlice(ip.SrcIP)
	return m, netip.AddrPortFrom(src, uint16(udp.SrcPort)), nil
}

// headerChecksumValid sums the IPv4 header including its checksum field.
func headerChecksumValid(hdr []byte) bool {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i:]))
	}
	for sum > 0xffff {
		sum = sum>>16 + sum&0xffff
	}
	return sum == 0xffff
}

// udpChecksumValid recomputes the checksum by serializing a copy of the
// datagram against the same pseudo header.
func udpChecksumValid(ip *layers.IPv4, udp *layers.UDP) (bool, error) {
	check := layers.UDP{SrcPort: udp.SrcPort, DstPort: udp.DstPort, Length: udp.Length}
	if err := check.SetNetworkLayerForChecksum(ip); err != nil {
		return false, err
	}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true}, &check, gopacket.Payload(udp.Payload))
	if err != nil {
		return false, err
	}
	// A computed zero is sent as all ones.
	if check.Checksum == 0 {
		check.Checksum = 0xffff
	}
	return check.Checksum == udp.Checksum, nil
}

// EncodeFrame wraps m in IPv4 and UDP headers for sending through the BOOTP
// capture worker, which adds the link header.
func EncodeFrame(m *dhcpv4.DHCPv4, src, dst netip.AddrPort) ([]byte, error) {
	if !src.Addr().Is4() || !dst.Addr().Is4() {
		return nil, ErrNotBOOTP
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.Addr().AsSlice(),
		DstIP:    dst.Addr().AsSlice(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(m.ToBytes())); err != nil {
		return nil, fmt.Errorf("dhcp: %w", err)
	}
	return buf.Bytes(), nil
}
