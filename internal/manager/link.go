package manager

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/mdlayher/ndp"

	"grimm.is/leased/internal/arp"
	"grimm.is/leased/internal/bpf"
	"grimm.is/leased/internal/capture"
	"grimm.is/leased/internal/dhcp"
	"grimm.is/leased/internal/inet"
	"grimm.is/leased/internal/logging"
	"grimm.is/leased/internal/netif"
	"grimm.is/leased/internal/privsep"
)

// DeclineWait is how long discovery pauses after an offered address turned
// out to be in use, RFC 2131 section 3.1.
const DeclineWait = 10 * time.Second

var (
	allRouters = netip.AddrPortFrom(netip.MustParseAddr("ff02::2"), 0)
	allServers = netip.AddrPortFrom(netip.MustParseAddr("ff02::1:2"), dhcpv6.DefaultServerPort)
)

type source int

const (
	sourceConfig source = iota
	sourceOffer
)

// claim is one address being probed or defended. It relays the ARP
// worker's frames to the state.
type claim struct {
	link   *link
	state  *arp.State
	client *capture.Client
	from   source
}

func (c *claim) HandleFrame(f capture.Frame) { c.state.HandleFrame(f) }

// HandleCaptureError sends a failed start to the link; the state never
// began probing.
func (c *claim) HandleCaptureError(err error) {
	var reply privsep.ErrorReply
	if errors.As(err, &reply) && reply.Cmd.IsStart() {
		c.link.startFailed(c.state.Addr, err)
		return
	}
	c.state.HandleCaptureError(err)
}

// link is the manager's state for one interface. It implements arp.Handler,
// arp.Releaser and dhcp.Handler. Everything runs on the manager's loop.
type link struct {
	m   *Manager
	ifi netif.Interface
	log *logging.Logger

	hw     bpf.Link
	claims map[netip.Addr]*claim

	listener *dhcp.Listener
	bootp    *capture.Client
	disc     *dhcp.Discoverer
	leased   *inet.Client
	nd       *inet.Client
	dhcp6    *inet.Client
}

func newLink(m *Manager, ifi netif.Interface, hw bpf.Link) *link {
	l := &link{
		m:      m,
		ifi:    ifi,
		hw:     hw,
		log:    m.log.WithFields(map[string]any{"interface": ifi.Name}),
		claims: make(map[netip.Addr]*claim),
	}
	l.listener = dhcp.NewListener(ifi.Name, l, l.log.WithComponent("dhcp"))
	l.listener.OnDeparture = l.departed
	return l
}

func (l *link) id(cmd privsep.Cmd, addr netip.Addr) privsep.Identity {
	return privsep.NewIdentity(l.ifi.Index, cmd, addr)
}

// claim starts an ARP worker for addr and probes it once the worker is
// capturing.
func (l *link) claim(addr netip.Addr, from source) error {
	if _, ok := l.claims[addr]; ok {
		return nil
	}
	if !l.hw.ARP {
		return fmt.Errorf("%s does not use ARP", l.ifi.Name)
	}
	id := l.id(privsep.CmdBPFARP, addr)
	c := &claim{link: l, from: from}
	c.client = capture.NewClient(l.m.px, id, l.hw, c, l.log.WithComponent("bpf-arp"))
	c.state = arp.New(l.ifi, addr, c.client, l.m.loop, l, l.m.arp, l.log.WithComponent("arp"))
	c.client.OnReady = c.state.Probe
	if err := l.m.px.Start(id, c.client); err != nil {
		return fmt.Errorf("start arp worker for %s: %w", addr, err)
	}
	l.claims[addr] = c
	return nil
}

func (l *link) drop(addr netip.Addr) {
	c, ok := l.claims[addr]
	if !ok {
		return
	}
	delete(l.claims, addr)
	if err := l.m.px.Stop(c.client.ID); err != nil {
		l.log.Debug("Failed to stop arp worker", "addr", addr.String(), "error", err)
	}
}

// startFailed handles a worker that never became ready.
func (l *link) startFailed(addr netip.Addr, err error) {
	l.log.Error("ARP worker failed to start", "addr", addr.String(), "error", err)
	c := l.claims[addr]
	l.drop(addr)
	if l.m.probe {
		l.m.loop.Exit(ExitError)
		return
	}
	if c != nil && c.from == sourceOffer && l.disc != nil {
		l.m.loop.AfterFunc(DeclineWait, l.discover)
	}
}

// AddressFree implements arp.Handler.
func (l *link) AddressFree(s *arp.State) {
	if l.m.probe {
		s.Release()
		l.m.probed(s.Addr, true)
	}
}

// Announced implements arp.Handler.
func (l *link) Announced(s *arp.State) {
	l.log.Info("Address claimed", "addr", s.Addr.String())
	if c := l.claims[s.Addr]; c != nil && c.from == sourceOffer {
		l.startBOOTPSocket()
	}
}

// AddressInUse implements arp.Handler.
func (l *link) AddressInUse(s *arp.State, c arp.Conflict) {
	l.log.Warn("Address in use", "addr", s.Addr.String(), "by", c.SHA.String())
	cl := l.claims[s.Addr]
	l.drop(s.Addr)
	if l.m.probe {
		l.m.probed(s.Addr, false)
		return
	}
	if cl != nil && cl.from == sourceOffer && l.disc != nil {
		l.m.loop.AfterFunc(DeclineWait, l.discover)
	}
}

// DefendFailed implements arp.Handler.
func (l *link) DefendFailed(s *arp.State, c arp.Conflict) {
	l.log.Error("Lost address", "addr", s.Addr.String(), "to", c.SHA.String())
	cl := l.claims[s.Addr]
	l.drop(s.Addr)
	if cl != nil && cl.from == sourceOffer && l.disc != nil {
		l.discover()
	}
}

// Released implements arp.Releaser. The worker goes with the state.
func (l *link) Released(s *arp.State) {
	l.log.Debug("Released", "addr", s.Addr.String())
	l.drop(s.Addr)
}

func (l *link) startBOOTP() error {
	id := l.id(privsep.CmdBPFBOOTP, netip.Addr{})
	l.bootp = capture.NewClient(l.m.px, id, l.hw, l.listener, l.log.WithComponent("bpf-bootp"))
	l.disc = dhcp.NewDiscoverer(l.ifi, l.bootp, l.m.loop, l.log.WithComponent("discover"))
	l.disc.OnOffer = l.offered
	l.disc.OnGiveUp = func() { l.m.loop.AfterFunc(dhcp.MaxRetransmit, l.discover) }
	l.bootp.OnReady = l.discover
	return l.m.px.Start(id, l.bootp)
}

func (l *link) discover() {
	if l.disc == nil || l.disc.Running() {
		return
	}
	if err := l.disc.Start(); err != nil {
		l.log.Warn("Failed to start discovery", "error", err)
	}
}

func (l *link) offered(m *dhcpv4.DHCPv4) {
	addr, ok := dhcp.OfferedAddr(m)
	if !ok {
		l.discover()
		return
	}
	if err := l.claim(addr, sourceOffer); err != nil {
		l.log.Warn("Failed to probe offered address", "addr", addr.String(), "error", err)
	}
}

// startBOOTPSocket opens the UDP client port once an offered address is
// ours, so unicast replies reach us without the capture worker.
func (l *link) startBOOTPSocket() {
	if l.leased != nil {
		return
	}
	id := l.id(privsep.CmdBOOTP, netip.Addr{})
	l.leased = inet.NewClient(l.m.px, id, l.listener, l.log.WithComponent("inet-bootp"))
	if err := l.m.px.Start(id, l.leased); err != nil {
		l.log.Warn("Failed to open BOOTP socket", "error", err)
		l.leased = nil
	}
}

func (l *link) startND() error {
	id := l.id(privsep.CmdND, netip.Addr{})
	l.nd = inet.NewClient(l.m.px, id, l.listener, l.log.WithComponent("inet-nd"))
	l.nd.OnReady = l.solicitRouters
	return l.m.px.Start(id, l.nd)
}

func (l *link) solicitRouters() {
	rs := &ndp.RouterSolicitation{}
	if len(l.ifi.HwAddr) > 0 {
		rs.Options = append(rs.Options, &ndp.LinkLayerAddress{
			Direction: ndp.Source,
			Addr:      l.ifi.HwAddr,
		})
	}
	b, err := ndp.MarshalMessage(rs)
	if err == nil {
		err = l.nd.SendTo(b, allRouters)
	}
	if err != nil {
		l.log.Warn("Failed to solicit routers", "error", err)
		return
	}
	l.log.Debug("Sent router solicitation")
}

func (l *link) startDHCPv6() error {
	id := l.id(privsep.CmdDHCP6, netip.Addr{})
	l.dhcp6 = inet.NewClient(l.m.px, id, l.listener, l.log.WithComponent("inet-dhcp6"))
	l.dhcp6.OnReady = l.solicitServers
	return l.m.px.Start(id, l.dhcp6)
}

func (l *link) solicitServers() {
	msg, err := dhcpv6.NewSolicit(l.ifi.HwAddr)
	if err == nil {
		err = l.dhcp6.SendTo(msg.ToBytes(), allServers)
	}
	if err != nil {
		l.log.Warn("Failed to solicit DHCPv6 servers", "error", err)
		return
	}
	l.log.Debug("Sent DHCPv6 solicit", "xid", msg.TransactionID.String())
}

// HandleDHCPv4 implements dhcp.Handler.
func (l *link) HandleDHCPv4(m *dhcpv4.DHCPv4, from netip.AddrPort) {
	if l.disc != nil && l.disc.HandleOffer(m) {
		return
	}
	l.log.Debug("BOOTP message", "type", m.MessageType().String(), "from", from.String())
}

// HandleDHCPv6 implements dhcp.Handler.
func (l *link) HandleDHCPv6(m dhcpv6.DHCPv6, from netip.AddrPort) {
	l.log.Info("DHCPv6 message", "type", m.Type().String(), "from", from.String())
}

// HandleRouterAdvertisement implements dhcp.Handler.
func (l *link) HandleRouterAdvertisement(ra *ndp.RouterAdvertisement, from netip.Addr) {
	var prefixes []string
	for _, o := range ra.Options {
		if p, ok := o.(*ndp.PrefixInformation); ok {
			prefixes = append(prefixes, netip.PrefixFrom(p.Prefix, int(p.PrefixLength)).String())
		}
	}
	l.log.Info("Router advertisement", "from", from.String(),
		"lifetime", ra.RouterLifetime, "prefixes", prefixes)
}

// departed forgets the socket and BOOTP workers of an interface that went
// away. ARP states release themselves.
func (l *link) departed() {
	l.log.Warn("Interface departed")
	if l.disc != nil {
		l.disc.Stop()
	}
	for _, c := range []*inet.Client{l.leased, l.nd, l.dhcp6} {
		if c != nil {
			_ = l.m.px.Stop(c.ID)
		}
	}
	if l.bootp != nil {
		_ = l.m.px.Stop(l.bootp.ID)
	}
	l.leased, l.nd, l.dhcp6, l.bootp, l.disc = nil, nil, nil, nil, nil
}
