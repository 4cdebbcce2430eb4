package bpf

import (
	"io"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"

	"grimm.is/leased/internal/netif"
)

var (
	ourMAC   = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01}
	peerMAC  = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x99}
	probedIP = netip.MustParseAddr("192.0.2.5")
	otherIP  = netip.MustParseAddr("192.0.2.77")
	zeroIP   = netip.IPv4Unspecified()
)

func ethIface() netif.Interface {
	return netif.Interface{Index: 2, Name: "eth0", HwType: netif.HwEther, HwAddr: ourMAC, MTU: 1500}
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func arpFrame(t *testing.T, op uint16, sha net.HardwareAddr, spa, tpa netip.Addr) []byte {
	t.Helper()
	return serialize(t,
		&layers.Ethernet{SrcMAC: sha, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         op,
			SourceHwAddress:   sha,
			SourceProtAddress: spa.AsSlice(),
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    tpa.AsSlice(),
		},
	)
}

type udpOpts struct {
	src, dst   layers.UDPPort
	proto      layers.IPProtocol
	fragOffset uint16
	noLink     bool
}

func udpFrame(t *testing.T, o udpOpts) []byte {
	t.Helper()
	if o.proto == 0 {
		o.proto = layers.IPProtocolUDP
	}
	ip := &layers.IPv4{
		Version:    4,
		IHL:        5,
		TTL:        64,
		Protocol:   o.proto,
		FragOffset: o.fragOffset,
		SrcIP:      net.IPv4(192, 0, 2, 1),
		DstIP:      net.IPv4bcast,
	}
	var l4 gopacket.SerializableLayer
	switch o.proto {
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: o.src, DstPort: o.dst}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		l4 = udp
	default:
		tcp := &layers.TCP{SrcPort: layers.TCPPort(o.src), DstPort: layers.TCPPort(o.dst)}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		l4 = tcp
	}
	payload := gopacket.Payload([]byte("bootp"))
	if o.noLink {
		return serialize(t, ip, l4, payload)
	}
	eth := &layers.Ethernet{SrcMAC: peerMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeIPv4}
	return serialize(t, eth, ip, l4, payload)
}

// withIPOptions inserts one word of NOP options after the IPv4 header at off.
func withIPOptions(frame []byte, off int) []byte {
	out := append([]byte{}, frame[:off+20]...)
	out = append(out, 1, 1, 1, 1)
	out = append(out, frame[off+20:]...)
	out[off] = 0x46
	return out
}

func run(t *testing.T, prog []bpf.Instruction, frame []byte) bool {
	t.Helper()
	vm, err := bpf.NewVM(prog)
	require.NoError(t, err)
	n, err := vm.Run(frame)
	require.NoError(t, err)
	return n > 0
}

// fakeDevice serves queued batches and records what is written to it.
type fakeDevice struct {
	batches [][]byte
	errs    []error
	written [][]byte
	filter  []bpf.RawInstruction
	wfilter []bpf.RawInstruction
	locked  bool
	closed  bool
	framing bool
}

func (d *fakeDevice) ReadBatch(p []byte) (int, error) {
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(d.batches) == 0 {
		return 0, io.EOF
	}
	b := d.batches[0]
	d.batches = d.batches[1:]
	return copy(p, b), nil
}

func (d *fakeDevice) WriteFrame(frame []byte) error {
	d.written = append(d.written, append([]byte{}, frame...))
	return nil
}

func (d *fakeDevice) SetFilter(prog []bpf.RawInstruction) error {
	d.filter = prog
	return nil
}

func (d *fakeDevice) SetWriteFilter(prog []bpf.RawInstruction) error {
	d.wfilter = prog
	return nil
}

func (d *fakeDevice) LockFilter() error {
	d.locked = true
	return nil
}

func (d *fakeDevice) AddsLinkHeader() bool { return d.framing }

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

func fakeOpener(d *fakeDevice, size int) Opener {
	return func(netif.Interface, Protocol) (Device, int, error) {
		return d, size, nil
	}
}
