package dhcp

import (
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/mdlayher/ndp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/leased/internal/capture"
	"grimm.is/leased/internal/clock"
	"grimm.is/leased/internal/inet"
	"grimm.is/leased/internal/logging"
	"grimm.is/leased/internal/netif"
	"grimm.is/leased/internal/privsep"
)

var (
	ourMAC  = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01}
	server  = netip.MustParseAddrPort("192.0.2.1:67")
	client  = netip.MustParseAddrPort("255.255.255.255:68")
	offered = netip.MustParseAddr("192.0.2.5")
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Output: io.Discard})
}

func eth0() netif.Interface {
	return netif.Interface{Index: 2, Name: "eth0", HwType: netif.HwEther, HwAddr: ourMAC, MTU: 1500}
}

func newOffer(t *testing.T, xid dhcpv4.TransactionID) *dhcpv4.DHCPv4 {
	t.Helper()
	discover, err := dhcpv4.NewDiscovery(ourMAC, dhcpv4.WithTransactionID(xid))
	require.NoError(t, err)
	offer, err := dhcpv4.NewReplyFromRequest(discover,
		dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
		dhcpv4.WithYourIP(offered.AsSlice()),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(server.Addr().AsSlice())))
	require.NoError(t, err)
	return offer
}

func encode(t *testing.T, m *dhcpv4.DHCPv4, src, dst netip.AddrPort) []byte {
	t.Helper()
	b, err := EncodeFrame(m, src, dst)
	require.NoError(t, err)
	return b
}

var xid = dhcpv4.TransactionID{1, 2, 3, 4}

func TestDecodeFrame(t *testing.T) {
	b := encode(t, newOffer(t, xid), server, client)

	m, src, err := DecodeFrame(b, false)
	require.NoError(t, err)
	assert.Equal(t, server, src)
	assert.Equal(t, xid, m.TransactionID)
	assert.Equal(t, dhcpv4.MessageTypeOffer, m.MessageType())

	// Link layer padding after the datagram is ignored.
	padded := append(append([]byte(nil), b...), make([]byte, 18)...)
	_, _, err = DecodeFrame(padded, false)
	assert.NoError(t, err)
}

func TestDecodeFrameRejects(t *testing.T) {
	good := encode(t, newOffer(t, xid), server, client)
	udpCsum := 20 + 6

	corrupt := func(off int) []byte {
		b := append([]byte(nil), good...)
		b[off] ^= 0xff
		return b
	}
	zeroCsum := append([]byte(nil), good...)
	zeroCsum[udpCsum], zeroCsum[udpCsum+1] = 0, 0

	t.Run("udp checksum", func(t *testing.T) {
		_, _, err := DecodeFrame(corrupt(udpCsum), false)
		assert.ErrorIs(t, err, ErrBadChecksum)
		_, _, err = DecodeFrame(corrupt(udpCsum), true)
		assert.NoError(t, err, "partial checksum skips verification")
		_, _, err = DecodeFrame(zeroCsum, false)
		assert.NoError(t, err, "zero means no checksum")
	})
	t.Run("ip checksum", func(t *testing.T) {
		_, _, err := DecodeFrame(corrupt(8), true)
		assert.ErrorIs(t, err, ErrBadChecksum)
	})
	t.Run("wrong direction", func(t *testing.T) {
		b := encode(t, newOffer(t, xid), netip.MustParseAddrPort("0.0.0.0:68"), netip.MustParseAddrPort("255.255.255.255:67"))
		_, _, err := DecodeFrame(b, false)
		assert.ErrorIs(t, err, ErrNotBOOTP)
	})
	t.Run("truncated", func(t *testing.T) {
		_, _, err := DecodeFrame(good[:len(good)-10], false)
		assert.ErrorIs(t, err, ErrTruncated)
		_, _, err = DecodeFrame(good[:10], false)
		assert.ErrorIs(t, err, ErrNotBOOTP)
	})
	t.Run("fragment", func(t *testing.T) {
		ip := &layers.IPv4{
			Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
			Flags: layers.IPv4MoreFragments,
			SrcIP: server.Addr().AsSlice(), DstIP: client.Addr().AsSlice(),
		}
		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ip, gopacket.Payload(good[20:])))
		_, _, err := DecodeFrame(buf.Bytes(), false)
		assert.ErrorIs(t, err, ErrFragment)
	})
	t.Run("not udp", func(t *testing.T) {
		ip := &layers.IPv4{
			Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
			SrcIP: server.Addr().AsSlice(), DstIP: client.Addr().AsSlice(),
		}
		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ip, gopacket.Payload(good[20:])))
		_, _, err := DecodeFrame(buf.Bytes(), false)
		assert.ErrorIs(t, err, ErrNotBOOTP)
	})
}

type recorder struct {
	v4 []*dhcpv4.DHCPv4
	v6 []dhcpv6.DHCPv6
	ra []*ndp.RouterAdvertisement
	// from records the source of every message.
	from []netip.Addr
}

func (r *recorder) HandleDHCPv4(m *dhcpv4.DHCPv4, from netip.AddrPort) {
	r.v4 = append(r.v4, m)
	r.from = append(r.from, from.Addr())
}

func (r *recorder) HandleDHCPv6(m dhcpv6.DHCPv6, from netip.AddrPort) {
	r.v6 = append(r.v6, m)
	r.from = append(r.from, from.Addr())
}

func (r *recorder) HandleRouterAdvertisement(ra *ndp.RouterAdvertisement, from netip.Addr) {
	r.ra = append(r.ra, ra)
	r.from = append(r.from, from)
}

func TestListenerFrames(t *testing.T) {
	rec := &recorder{}
	l := NewListener("eth0", rec, quietLogger())

	l.HandleFrame(capture.Frame{Payload: encode(t, newOffer(t, xid), server, client)})
	l.HandleFrame(capture.Frame{Payload: []byte{0x45, 0}})
	require.Len(t, rec.v4, 1)
	assert.Equal(t, server.Addr(), rec.from[0])

	departed := 0
	l.OnDeparture = func() { departed++ }
	l.HandleCaptureError(privsep.ErrorReply{Errno: 19, Cmd: privsep.CmdBPFBOOTP})
	l.HandleSocketError(privsep.ErrNotSupported)
	assert.Equal(t, 1, departed)
}

func TestListenerDatagrams(t *testing.T) {
	rec := &recorder{}
	l := NewListener("eth0", rec, quietLogger())
	router := netip.MustParseAddr("fe80::1")

	l.HandleDatagram(inet.Datagram{Cmd: privsep.CmdBOOTP, Src: server, Payload: newOffer(t, xid).ToBytes()})
	l.HandleDatagram(inet.Datagram{Cmd: privsep.CmdBOOTP, Src: server, Payload: []byte{1}})
	require.Len(t, rec.v4, 1)

	sol, err := dhcpv6.NewSolicit(ourMAC)
	require.NoError(t, err)
	l.HandleDatagram(inet.Datagram{Cmd: privsep.CmdDHCP6, Src: netip.AddrPortFrom(router, 547), Payload: sol.ToBytes()})
	require.Len(t, rec.v6, 1)
	assert.Equal(t, dhcpv6.MessageTypeSolicit, rec.v6[0].Type())

	ra, err := ndp.MarshalMessage(&ndp.RouterAdvertisement{CurrentHopLimit: 64, RouterLifetime: 30 * time.Minute})
	require.NoError(t, err)
	rs, err := ndp.MarshalMessage(&ndp.RouterSolicitation{})
	require.NoError(t, err)
	src := netip.AddrPortFrom(router, 0)
	l.HandleDatagram(inet.Datagram{Cmd: privsep.CmdND, Src: src, HopLimit: 255, Payload: ra})
	l.HandleDatagram(inet.Datagram{Cmd: privsep.CmdND, Src: src, HopLimit: 64, Payload: ra})
	l.HandleDatagram(inet.Datagram{Cmd: privsep.CmdND, Src: src, HopLimit: 255, Payload: rs})
	require.Len(t, rec.ra, 1, "forwarded advertisement and solicitation are dropped")
	assert.Equal(t, 30*time.Minute, rec.ra[0].RouterLifetime)
	assert.Equal(t, router, rec.from[len(rec.from)-1])
}

// sentFrames decodes what a Discoverer sends.
type sentFrames struct {
	clk  *clock.MockClock
	msgs []*dhcpv4.DHCPv4
	at   []time.Time
	dst  []netip.AddrPort
}

func (s *sentFrames) Send(b []byte) error {
	pkt := gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.Default)
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	m, err := dhcpv4.FromBytes(udp.Payload)
	if err != nil {
		return err
	}
	dst, _ := netip.AddrFromSlice(ip.DstIP)
	s.msgs = append(s.msgs, m)
	s.at = append(s.at, s.clk.Now())
	s.dst = append(s.dst, netip.AddrPortFrom(dst, uint16(udp.DstPort)))
	return nil
}

func newDiscoverer() (*Discoverer, *sentFrames, *clock.MockClock) {
	clk := clock.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	tx := &sentFrames{clk: clk}
	return NewDiscoverer(eth0(), tx, clk, quietLogger()), tx, clk
}

func TestDiscovererRetransmits(t *testing.T) {
	d, tx, clk := newDiscoverer()
	gaveUp := 0
	d.OnGiveUp = func() { gaveUp++ }
	start := clk.Now()
	require.NoError(t, d.Start())
	require.Len(t, tx.msgs, 1, "first discover is immediate")
	assert.Equal(t, netip.MustParseAddrPort("255.255.255.255:67"), tx.dst[0])
	assert.Equal(t, dhcpv4.MessageTypeDiscover, tx.msgs[0].MessageType())
	assert.True(t, tx.msgs[0].IsBroadcast())
	assert.Equal(t, ourMAC, tx.msgs[0].ClientHWAddr)

	clk.Advance(2 * time.Minute)
	require.Len(t, tx.msgs, 4)
	assert.Equal(t, 1, gaveUp)
	assert.False(t, d.Running())

	backoff := FirstRetransmit
	for i := 1; i < len(tx.at); i++ {
		gap := tx.at[i].Sub(tx.at[i-1])
		assert.GreaterOrEqual(t, gap, backoff-time.Second, "attempt %d", i+1)
		assert.Less(t, gap, backoff+time.Second, "attempt %d", i+1)
		assert.Equal(t, tx.msgs[0].TransactionID, tx.msgs[i].TransactionID)
		assert.Equal(t, uint16(tx.at[i].Sub(start)/time.Second), tx.msgs[i].NumSeconds)
		backoff *= 2
	}
}

func TestDiscovererOffer(t *testing.T) {
	d, tx, clk := newDiscoverer()
	var got *dhcpv4.DHCPv4
	d.OnOffer = func(m *dhcpv4.DHCPv4) { got = m }
	require.NoError(t, d.Start())

	assert.False(t, d.HandleOffer(newOffer(t, dhcpv4.TransactionID{9, 9, 9, 9})), "other transaction")
	assert.False(t, d.HandleOffer(tx.msgs[0]), "our own discover")
	assert.True(t, d.HandleOffer(newOffer(t, d.XID())))
	require.NotNil(t, got)

	addr, ok := OfferedAddr(got)
	assert.True(t, ok)
	assert.Equal(t, offered, addr)

	clk.Advance(time.Minute)
	assert.Len(t, tx.msgs, 1, "no retransmissions after the offer")
	assert.False(t, d.HandleOffer(newOffer(t, xid)))
}
