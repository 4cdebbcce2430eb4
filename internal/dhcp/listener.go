package dhcp

import (
	"errors"
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/mdlayher/ndp"

	"grimm.is/leased/internal/capture"
	"grimm.is/leased/internal/inet"
	"grimm.is/leased/internal/logging"
	"grimm.is/leased/internal/metrics"
	"grimm.is/leased/internal/privsep"
)

// Handler receives decoded messages for one interface.
type Handler interface {
	HandleDHCPv4(m *dhcpv4.DHCPv4, from netip.AddrPort)
	HandleDHCPv6(m dhcpv6.DHCPv6, from netip.AddrPort)
	HandleRouterAdvertisement(ra *ndp.RouterAdvertisement, from netip.Addr)
}

// Listener decodes frames from the BOOTP capture worker and datagrams from
// the socket workers of one interface. It implements capture.Receiver and
// inet.Receiver.
type Listener struct {
	Iface string

	h   Handler
	log *logging.Logger
	// OnDeparture is called when a worker reports the interface gone.
	OnDeparture func()
}

// NewListener creates a Listener feeding h.
func NewListener(iface string, h Handler, log *logging.Logger) *Listener {
	return &Listener{Iface: iface, h: h, log: log}
}

func (l *Listener) count(kind string) {
	metrics.Get().BOOTPMessages.WithLabelValues(l.Iface, kind).Inc()
}

// HandleFrame implements capture.Receiver.
func (l *Listener) HandleFrame(f capture.Frame) {
	m, src, err := DecodeFrame(f.Payload, f.PartialCsum)
	if err != nil {
		l.count("invalid")
		l.log.Debug("Dropping BOOTP frame", "error", err)
		return
	}
	l.count(m.MessageType().String())
	l.h.HandleDHCPv4(m, src)
}

// HandleDatagram implements inet.Receiver.
func (l *Listener) HandleDatagram(d inet.Datagram) {
	switch d.Cmd {
	case privsep.CmdBOOTP:
		m, err := dhcpv4.FromBytes(d.Payload)
		if err != nil {
			l.dropped(d, err)
			return
		}
		l.count(m.MessageType().String())
		l.h.HandleDHCPv4(m, d.Src)
	case privsep.CmdDHCP6:
		m, err := dhcpv6.FromBytes(d.Payload)
		if err != nil {
			l.dropped(d, err)
			return
		}
		l.count(m.Type().String())
		l.h.HandleDHCPv6(m, d.Src)
	case privsep.CmdND:
		m, err := ndp.ParseMessage(d.Payload)
		if err != nil {
			l.dropped(d, err)
			return
		}
		ra, ok := m.(*ndp.RouterAdvertisement)
		if !ok {
			l.dropped(d, inet.ErrUnexpectedND)
			return
		}
		// Router advertisements must come from the link with the
		// maximum hop limit.
		if d.HopLimit != 0 && d.HopLimit != 255 {
			l.dropped(d, errors.New("hop limit is not 255"))
			return
		}
		l.count("router-advertisement")
		l.h.HandleRouterAdvertisement(ra, d.Src.Addr())
	}
}

func (l *Listener) dropped(d inet.Datagram, err error) {
	l.count("invalid")
	l.log.Debug("Dropping datagram", "cmd", d.Cmd, "from", d.Src.String(), "error", err)
}

func (l *Listener) workerError(err error) {
	if errors.Is(err, privsep.ErrNoDevice) && l.OnDeparture != nil {
		l.OnDeparture()
		return
	}
	l.log.Warn("Worker error", "error", err)
}

// HandleCaptureError implements capture.Receiver.
func (l *Listener) HandleCaptureError(err error) { l.workerError(err) }

// HandleSocketError implements inet.Receiver.
func (l *Listener) HandleSocketError(err error) { l.workerError(err) }
