//go:build linux

package inet

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

func TestUDP4Loopback(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	s, err := NewUDP4(conn)
	require.NoError(t, err)
	defer s.Close()

	peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.WriteTo([]byte("offer"), conn.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, src, ifindex, control, err := s.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "offer", string(buf[:n]))
	assert.Equal(t, netip.MustParseAddrPort(peer.LocalAddr().String()), src)
	lo, err := net.InterfaceByName("lo")
	require.NoError(t, err)
	assert.Equal(t, lo.Index, ifindex)

	var cm ipv4.ControlMessage
	require.NoError(t, cm.Parse(control))
	assert.Equal(t, lo.Index, cm.IfIndex)

	require.NoError(t, s.WriteTo([]byte("request"), control, netip.MustParseAddrPort(peer.LocalAddr().String())))
	n, _, err = peer.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "request", string(buf[:n]))
}

func TestUDP6Loopback(t *testing.T) {
	conn, err := net.ListenPacket("udp6", "[::1]:0")
	if err != nil {
		t.Skipf("no IPv6 loopback: %v", err)
	}
	s, err := NewUDP6(conn)
	require.NoError(t, err)
	defer s.Close()

	peer, err := net.ListenPacket("udp6", "[::1]:0")
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.WriteTo([]byte("reply"), conn.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, src, ifindex, control, err := s.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))
	assert.Equal(t, netip.IPv6Loopback(), src.Addr())
	assert.NotZero(t, ifindex)

	cm, err := parseControl6(control)
	require.NoError(t, err)
	assert.Equal(t, ifindex, cm.IfIndex)
	assert.Equal(t, netip.IPv6Loopback(), netip.MustParseAddr(cm.Src.String()))
}
