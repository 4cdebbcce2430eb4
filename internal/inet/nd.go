package inet

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/mdlayher/ndp"
	"golang.org/x/net/ipv6"

	"grimm.is/leased/internal/netif"
)

// ErrUnexpectedND is returned for ND payloads a client may not send
// or receive through the worker.
var ErrUnexpectedND = errors.New("inet: unexpected neighbor discovery message")

// ND is an ICMPv6 socket for router discovery. It only lets router
// advertisements in and router solicitations out.
type ND struct {
	conn    *ndp.Conn
	ifindex int
}

// ListenND opens the router discovery socket on ifi's link-local address.
func ListenND(ifi netif.Interface) (*ND, error) {
	conn, _, err := ndp.Listen(ifi.Net(), ndp.LinkLocal)
	if err != nil {
		return nil, fmt.Errorf("ndp listen on %s: %w", ifi.Name, err)
	}
	var f ipv6.ICMPFilter
	f.SetAll(true)
	f.Accept(ipv6.ICMPTypeRouterAdvertisement)
	if err := conn.SetICMPFilter(&f); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ndp filter on %s: %w", ifi.Name, err)
	}
	return &ND{conn: conn, ifindex: ifi.Index}, nil
}

// ReadFrom returns the next router advertisement, re-encoded. The socket is
// bound to one link so the index is always ours.
func (s *ND) ReadFrom(b []byte) (int, netip.AddrPort, int, []byte, error) {
	for {
		m, cm, src, err := s.conn.ReadFrom()
		if err != nil {
			return 0, netip.AddrPort{}, 0, nil, err
		}
		if _, ok := m.(*ndp.RouterAdvertisement); !ok {
			continue
		}
		raw, err := ndp.MarshalMessage(m)
		if err != nil {
			continue
		}
		var control []byte
		if cm != nil {
			control = marshalControl6(cm)
		}
		return copy(b, raw), netip.AddrPortFrom(src, 0), s.ifindex, control, nil
	}
}

// WriteTo sends a router solicitation. The port of dst is ignored.
func (s *ND) WriteTo(b []byte, control []byte, dst netip.AddrPort) error {
	m, err := ndp.ParseMessage(b)
	if err != nil {
		return fmt.Errorf("ndp: %w", err)
	}
	if _, ok := m.(*ndp.RouterSolicitation); !ok {
		return ErrUnexpectedND
	}
	cm, err := parseControl6(control)
	if err != nil {
		return err
	}
	return s.conn.WriteTo(m, cm, dst.Addr())
}

func (s *ND) Close() error { return s.conn.Close() }
