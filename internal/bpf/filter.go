package bpf

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"

	"grimm.is/leased/internal/netif"
)

// Direction selects whether a program filters received or transmitted frames.
type Direction int

const (
	Receive Direction = iota
	Transmit
)

// Ports of the BOOTP client and server.
const (
	ServerPort = 67
	ClientPort = 68
)

// keepFrame accepts the whole frame.
const keepFrame = 0xffffffff

// Offsets inside an ARP packet for IPv4 over a hardware of length hwlen.
const (
	arpHwType   = 0
	arpProtType = 2
	arpHwLen    = 4
	arpProtLen  = 5
	arpOp       = 6
	arpSHA      = 8
)

func arpSPA(hwlen int) uint32 { return uint32(arpSHA + hwlen) }
func arpTPA(hwlen int) uint32 { return uint32(arpSHA + 2*hwlen + 4) }

// hwChunks is the number of 4, 2 and 1 byte loads covering n bytes.
func hwChunks(n int) int {
	return n/4 + (n%4)/2 + n%2
}

// ARPFilterLen is the instruction count of an ARP program for link. withAddr
// says whether a target address is matched.
func ARPFilterLen(link Link, withAddr bool) int {
	n := 8 + 3 + 2*hwChunks(link.HwLen) + 2
	if link.HeaderLen > 0 {
		n += 2
	}
	if withAddr {
		n += 5
	}
	return n
}

// BOOTPFilterLen is the instruction count of a BOOTP program for link.
func BOOTPFilterLen(link Link) int {
	n := 3 + 2 + 2 + 1 + 2 + 2 + 2
	if link.HeaderLen > 0 {
		n += 2
	}
	return n
}

// BuildARPFilter returns the program selecting ARP traffic about addr on ifi.
// For Receive, frames sent by ifi itself are rejected; for Transmit only those
// are accepted. An invalid addr matches every ARP packet.
func BuildARPFilter(ifi netif.Interface, addr netip.Addr, dir Direction) ([]bpf.Instruction, error) {
	link, err := LinkFor(ifi)
	if err != nil {
		return nil, err
	}
	if !link.ARP || len(ifi.HwAddr) != link.HwLen {
		return nil, fmt.Errorf("%s: arp: %w", ifi.Name, ErrNotSupported)
	}
	if addr.IsValid() && !addr.Is4() {
		return nil, fmt.Errorf("%s: arp: %s is not IPv4: %w", ifi.Name, addr, ErrNotSupported)
	}
	return buildARP(link, ifi.HwAddr, addr, dir, ARPFilterLen(link, true))
}

func buildARP(link Link, hw []byte, addr netip.Addr, dir Direction, limit int) ([]bpf.Instruction, error) {
	b := newBuilder(limit)
	base := uint32(link.HeaderLen)

	if link.HeaderLen > 0 {
		b.emit(bpf.LoadAbsolute{Off: link.etherTypeOffset(), Size: 2})
		b.jump(bpf.JumpNotEqual, uint32(layers.EthernetTypeARP), labelReject, "")
	}
	b.emit(bpf.LoadAbsolute{Off: base + arpHwType, Size: 2})
	b.jump(bpf.JumpNotEqual, uint32(link.HwType), labelReject, "")
	b.emit(bpf.LoadAbsolute{Off: base + arpProtType, Size: 2})
	b.jump(bpf.JumpNotEqual, uint32(layers.EthernetTypeIPv4), labelReject, "")
	b.emit(bpf.LoadAbsolute{Off: base + arpHwLen, Size: 1})
	b.jump(bpf.JumpNotEqual, uint32(link.HwLen), labelReject, "")
	b.emit(bpf.LoadAbsolute{Off: base + arpProtLen, Size: 1})
	b.jump(bpf.JumpNotEqual, 4, labelReject, "")

	b.emit(bpf.LoadAbsolute{Off: base + arpOp, Size: 2})
	b.jump(bpf.JumpEqual, uint32(layers.ARPRequest), "sha", "")
	b.jump(bpf.JumpNotEqual, uint32(layers.ARPReply), labelReject, "")

	// Compare the sender hardware address with ours.
	b.mark("sha")
	off := 0
	for rest := len(hw); rest > 0; {
		size := 1
		switch {
		case rest >= 4:
			size = 4
		case rest >= 2:
			size = 2
		}
		b.emit(bpf.LoadAbsolute{Off: base + arpSHA + uint32(off), Size: size})
		val := beUint(hw[off : off+size])
		off += size
		rest -= size
		switch {
		case dir == Transmit:
			b.jump(bpf.JumpNotEqual, val, labelReject, "")
		case rest > 0:
			b.jump(bpf.JumpNotEqual, val, "addr", "")
		default:
			b.jump(bpf.JumpEqual, val, labelReject, "")
		}
	}

	b.mark("addr")
	if addr.IsValid() {
		ip := beUint(addr.AsSlice())
		b.emit(bpf.LoadAbsolute{Off: base + arpSPA(link.HwLen), Size: 4})
		b.jump(bpf.JumpEqual, ip, labelAccept, "")
		// An unspecified sender is a probe; it only matters if it targets addr.
		b.jump(bpf.JumpNotEqual, 0, labelReject, "")
		b.emit(bpf.LoadAbsolute{Off: base + arpTPA(link.HwLen), Size: 4})
		b.jump(bpf.JumpEqual, ip, labelAccept, labelReject)
	}

	b.mark(labelAccept)
	b.emit(bpf.RetConstant{Val: keepFrame})
	b.mark(labelReject)
	b.emit(bpf.RetConstant{Val: 0})
	return b.program()
}

// BuildBOOTPFilter returns the program selecting unfragmented BOOTP over UDP.
// Receive matches server to client traffic, Transmit the reverse.
func BuildBOOTPFilter(ifi netif.Interface, dir Direction) ([]bpf.Instruction, error) {
	link, err := LinkFor(ifi)
	if err != nil {
		return nil, err
	}
	return buildBOOTP(link, dir, BOOTPFilterLen(link))
}

func buildBOOTP(link Link, dir Direction, limit int) ([]bpf.Instruction, error) {
	b := newBuilder(limit)
	base := uint32(link.HeaderLen)
	src, dst := uint32(ServerPort), uint32(ClientPort)
	if dir == Transmit {
		src, dst = dst, src
	}

	if link.HeaderLen > 0 {
		b.emit(bpf.LoadAbsolute{Off: link.etherTypeOffset(), Size: 2})
		b.jump(bpf.JumpNotEqual, uint32(layers.EthernetTypeIPv4), labelReject, "")
	}
	b.emit(bpf.LoadAbsolute{Off: base, Size: 1})
	b.emit(bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: 0xf0})
	b.jump(bpf.JumpNotEqual, 0x40, labelReject, "")
	b.emit(bpf.LoadAbsolute{Off: base + 9, Size: 1})
	b.jump(bpf.JumpNotEqual, uint32(layers.IPProtocolUDP), labelReject, "")
	b.emit(bpf.LoadAbsolute{Off: base + 6, Size: 2})
	b.jump(bpf.JumpBitsSet, 0x1fff, labelReject, "")
	b.emit(bpf.LoadMemShift{Off: base})
	b.emit(bpf.LoadIndirect{Off: base, Size: 2})
	b.jump(bpf.JumpNotEqual, src, labelReject, "")
	b.emit(bpf.LoadIndirect{Off: base + 2, Size: 2})
	b.jump(bpf.JumpNotEqual, dst, labelReject, "")

	b.mark(labelAccept)
	b.emit(bpf.RetConstant{Val: keepFrame})
	b.mark(labelReject)
	b.emit(bpf.RetConstant{Val: 0})
	return b.program()
}

func beUint(b []byte) uint32 {
	switch len(b) {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.BigEndian.Uint16(b))
	}
	return binary.BigEndian.Uint32(b)
}
