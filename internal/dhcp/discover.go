package dhcp

import (
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"grimm.is/leased/internal/clock"
	"grimm.is/leased/internal/logging"
	"grimm.is/leased/internal/netif"
)

// Retransmission bounds, RFC 2131 section 4.1.
const (
	FirstRetransmit = 4 * time.Second
	MaxRetransmit   = 64 * time.Second
)

var broadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Transport sends an IPv4 packet through the BOOTP capture worker.
// *capture.Client implements it.
type Transport interface {
	Send(payload []byte) error
}

// Discoverer broadcasts DHCPDISCOVER until an offer arrives or it runs out of
// attempts. All methods run on the loop driving the scheduler.
type Discoverer struct {
	Iface    netif.Interface
	Attempts int
	// OnOffer receives the first matching offer.
	OnOffer func(offer *dhcpv4.DHCPv4)
	// OnGiveUp is called after the last attempt went unanswered.
	OnGiveUp func()

	tx      Transport
	sched   clock.Scheduler
	log     *logging.Logger
	msg     *dhcpv4.DHCPv4
	sent    int
	started time.Time
	backoff time.Duration
	timer   clock.Timer
}

// NewDiscoverer creates an idle Discoverer making up to four attempts.
func NewDiscoverer(ifi netif.Interface, tx Transport, sched clock.Scheduler, log *logging.Logger) *Discoverer {
	return &Discoverer{
		Iface:    ifi,
		Attempts: 4,
		tx:       tx,
		sched:    sched,
		log:      log.WithFields(map[string]any{"interface": ifi.Name}),
	}
}

// Running reports whether discovery is in progress.
func (d *Discoverer) Running() bool { return d.msg != nil }

// XID returns the transaction in progress.
func (d *Discoverer) XID() dhcpv4.TransactionID {
	if d.msg == nil {
		return dhcpv4.TransactionID{}
	}
	return d.msg.TransactionID
}

// Start builds a fresh DHCPDISCOVER and sends it.
func (d *Discoverer) Start() error {
	d.Stop()
	msg, err := dhcpv4.NewDiscovery(d.Iface.HwAddr,
		dhcpv4.WithBroadcast(true),
		dhcpv4.WithRequestedOptions(
			dhcpv4.OptionSubnetMask,
			dhcpv4.OptionRouter,
			dhcpv4.OptionDomainNameServer,
			dhcpv4.OptionDomainName,
			dhcpv4.OptionServerIdentifier,
			dhcpv4.OptionBroadcastAddress,
		))
	if err != nil {
		return err
	}
	d.msg = msg
	d.sent = 0
	d.started = d.sched.Now()
	d.backoff = FirstRetransmit
	d.log.Info("Discovering", "xid", msg.TransactionID.String())
	d.transmit()
	return nil
}

func (d *Discoverer) transmit() {
	d.timer = nil
	if d.sent >= d.Attempts {
		d.log.Warn("No offers received", "attempts", d.sent)
		d.msg = nil
		if d.OnGiveUp != nil {
			d.OnGiveUp()
		}
		return
	}
	d.sent++
	d.msg.NumSeconds = uint16(min(d.sched.Since(d.started)/time.Second, 0xffff))
	frame, err := EncodeFrame(d.msg,
		netip.AddrPortFrom(netip.IPv4Unspecified(), ClientPort),
		netip.AddrPortFrom(broadcast, ServerPort))
	if err == nil {
		err = d.tx.Send(frame)
	}
	if err != nil {
		d.log.Warn("Failed to send discover", "error", err)
	}
	// Randomized by plus or minus one second.
	wait := d.backoff - time.Second + rand.N(2*time.Second)
	d.backoff = min(2*d.backoff, MaxRetransmit)
	d.timer = d.sched.AfterFunc(wait, d.transmit)
}

// Stop abandons discovery.
func (d *Discoverer) Stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.msg = nil
}

// HandleOffer consumes m if it answers the discovery in progress.
func (d *Discoverer) HandleOffer(m *dhcpv4.DHCPv4) bool {
	if d.msg == nil || m.OpCode != dhcpv4.OpcodeBootReply ||
		m.MessageType() != dhcpv4.MessageTypeOffer || m.TransactionID != d.msg.TransactionID {
		return false
	}
	d.Stop()
	d.log.Info("Offered", "addr", m.YourIPAddr.String(), "server", m.ServerIdentifier().String())
	if d.OnOffer != nil {
		d.OnOffer(m)
	}
	return true
}

// OfferedAddr returns the address in an offer.
func OfferedAddr(m *dhcpv4.DHCPv4) (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(m.YourIPAddr.To4())
	if !ok || a.IsUnspecified() {
		return netip.Addr{}, false
	}
	return a, true
}
