package inet

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"grimm.is/leased/internal/netif"
)

func listenUDP(network string, ifi netif.Interface, port int) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: bindControl(ifi.Name)}
	addr := net.JoinHostPort("", fmt.Sprint(port))
	conn, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s on %s: %w", network, addr, ifi.Name, err)
	}
	return conn, nil
}

func addrPort(a net.Addr) netip.AddrPort {
	if u, ok := a.(*net.UDPAddr); ok {
		ap := u.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}

// UDP4 is a UDP socket reporting the receiving interface of each datagram.
type UDP4 struct {
	pc *ipv4.PacketConn
}

// ListenUDP4 binds the wildcard address on port, restricted to ifi.
func ListenUDP4(ifi netif.Interface, port int) (*UDP4, error) {
	conn, err := listenUDP("udp4", ifi, port)
	if err != nil {
		return nil, err
	}
	return NewUDP4(conn)
}

// NewUDP4 wraps an already bound IPv4 socket.
func NewUDP4(conn net.PacketConn) (*UDP4, error) {
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst|ipv4.FlagTTL, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipv4 control messages: %w", err)
	}
	return &UDP4{pc: pc}, nil
}

func (s *UDP4) ReadFrom(b []byte) (int, netip.AddrPort, int, []byte, error) {
	n, cm, src, err := s.pc.ReadFrom(b)
	if err != nil {
		return 0, netip.AddrPort{}, 0, nil, err
	}
	var ifindex int
	var control []byte
	if cm != nil {
		ifindex = cm.IfIndex
		control = (&ipv4.ControlMessage{IfIndex: cm.IfIndex}).Marshal()
	}
	return n, addrPort(src), ifindex, control, nil
}

func (s *UDP4) WriteTo(b []byte, control []byte, dst netip.AddrPort) error {
	var cm *ipv4.ControlMessage
	if len(control) > 0 {
		cm = new(ipv4.ControlMessage)
		if err := cm.Parse(control); err != nil {
			return fmt.Errorf("ipv4 control message: %w", err)
		}
	}
	_, err := s.pc.WriteTo(b, cm, net.UDPAddrFromAddrPort(dst))
	return err
}

func (s *UDP4) Close() error { return s.pc.Close() }

// UDP6 is the IPv6 counterpart of UDP4. Its control message also carries
// the destination address and hop limit.
type UDP6 struct {
	pc *ipv6.PacketConn
}

// ListenUDP6 binds the wildcard address on port, restricted to ifi.
func ListenUDP6(ifi netif.Interface, port int) (*UDP6, error) {
	conn, err := listenUDP("udp6", ifi, port)
	if err != nil {
		return nil, err
	}
	return NewUDP6(conn)
}

// NewUDP6 wraps an already bound IPv6 socket.
func NewUDP6(conn net.PacketConn) (*UDP6, error) {
	pc := ipv6.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst|ipv6.FlagHopLimit, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipv6 control messages: %w", err)
	}
	return &UDP6{pc: pc}, nil
}

func (s *UDP6) ReadFrom(b []byte) (int, netip.AddrPort, int, []byte, error) {
	n, cm, src, err := s.pc.ReadFrom(b)
	if err != nil {
		return 0, netip.AddrPort{}, 0, nil, err
	}
	var ifindex int
	var control []byte
	if cm != nil {
		ifindex = cm.IfIndex
		control = marshalControl6(cm)
	}
	return n, addrPort(src), ifindex, control, nil
}

func (s *UDP6) WriteTo(b []byte, control []byte, dst netip.AddrPort) error {
	cm, err := parseControl6(control)
	if err != nil {
		return err
	}
	_, err = s.pc.WriteTo(b, cm, net.UDPAddrFromAddrPort(dst))
	return err
}

func (s *UDP6) Close() error { return s.pc.Close() }

// marshalControl6 encodes a received control message. The packet info
// address is the destination on receive and the source on send, so Dst
// travels in the Src slot.
func marshalControl6(cm *ipv6.ControlMessage) []byte {
	return (&ipv6.ControlMessage{
		HopLimit: cm.HopLimit,
		Src:      cm.Dst,
		IfIndex:  cm.IfIndex,
	}).Marshal()
}

// parseControl6 decodes a control message for sending.
func parseControl6(control []byte) (*ipv6.ControlMessage, error) {
	if len(control) == 0 {
		return nil, nil
	}
	var in ipv6.ControlMessage
	if err := in.Parse(control); err != nil {
		return nil, fmt.Errorf("ipv6 control message: %w", err)
	}
	return &ipv6.ControlMessage{HopLimit: in.HopLimit, Src: in.Dst, IfIndex: in.IfIndex}, nil
}
