//go:build linux

package bpf

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/leased/internal/netif"
	"grimm.is/leased/internal/testutil"
)

// Loopback frames carry an all zero Ethernet header, so lo can stand in for
// an Ethernet link.
func TestPacketDeviceLoopback(t *testing.T) {
	testutil.RequireRoot(t)
	lo := testutil.RequireLink(t, "lo")
	ifi := netif.Interface{Index: lo.Index, Name: lo.Name, HwType: netif.HwEther, HwAddr: make(net.HardwareAddr, 6), MTU: lo.MTU}

	h, err := Open(ifi, ProtoBOOTP, netip.Addr{}, OpenDevice)
	require.NoError(t, err)
	defer h.Close()

	sock, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer sock.Close()
	srv, err := net.ListenPacket("udp4", "127.0.0.1:67")
	if err != nil {
		t.Skipf("port 67 busy: %v", err)
	}
	defer srv.Close()

	// Ignored: wrong ports.
	_, err = sock.WriteTo([]byte("noise"), srv.LocalAddr())
	require.NoError(t, err)
	_, err = srv.WriteTo([]byte("offer"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: ClientPort})
	require.NoError(t, err)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 2048)
		for {
			n, err := h.ReadFrame(buf)
			if err != nil {
				close(got)
				return
			}
			if n > 0 {
				got <- append([]byte(nil), buf[:n]...)
				return
			}
		}
	}()

	select {
	case frame, ok := <-got:
		require.True(t, ok)
		payload, _, err := h.Link.Strip(frame)
		require.NoError(t, err)
		require.Greater(t, len(payload), 28)
		assert.Equal(t, []byte("offer"), payload[28:33])
	case <-time.After(5 * time.Second):
		t.Fatal("no frame captured")
	}
}
