// Package arp implements RFC 5227 address conflict detection: probing an
// address before use, announcing it, and defending it afterwards.
package arp

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"grimm.is/leased/internal/capture"
	"grimm.is/leased/internal/clock"
	"grimm.is/leased/internal/logging"
	"grimm.is/leased/internal/metrics"
	"grimm.is/leased/internal/netif"
	"grimm.is/leased/internal/privsep"
	"grimm.is/leased/internal/ratelimit"
)

// Settings are the RFC 5227 timing constants.
type Settings struct {
	ProbeWait        time.Duration
	ProbeNum         int
	ProbeMin         time.Duration
	ProbeMax         time.Duration
	AnnounceWait     time.Duration
	AnnounceNum      int
	AnnounceInterval time.Duration
	DefendInterval   time.Duration
	MaxDefends       int
	// PersistDefence keeps the address when defending fails.
	PersistDefence bool
}

// DefaultSettings returns the RFC 5227 values.
func DefaultSettings() Settings {
	return Settings{
		ProbeWait:        time.Second,
		ProbeNum:         3,
		ProbeMin:         time.Second,
		ProbeMax:         2 * time.Second,
		AnnounceWait:     2 * time.Second,
		AnnounceNum:      2,
		AnnounceInterval: 2 * time.Second,
		DefendInterval:   10 * time.Second,
		MaxDefends:       1,
	}
}

// Phase is where a State is in its life cycle.
type Phase int

const (
	Idle Phase = iota
	Probing
	InUse
	Announcing
	Bound
	DefendFailed
	Released
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Probing:
		return "probing"
	case InUse:
		return "in-use"
	case Announcing:
		return "announcing"
	case Bound:
		return "bound"
	case DefendFailed:
		return "defend-failed"
	case Released:
		return "released"
	}
	return "unknown"
}

// Conflict identifies the host that claimed the address.
type Conflict struct {
	SHA net.HardwareAddr
	SPA netip.Addr
}

// Handler receives the outcomes of a State. Exactly one of AddressInUse and
// AddressFree is called per probe.
type Handler interface {
	AddressInUse(s *State, c Conflict)
	AddressFree(s *State)
	Announced(s *State)
	DefendFailed(s *State, c Conflict)
}

// Releaser is optionally implemented by a Handler that wants to know when a
// State is released.
type Releaser interface {
	Released(s *State)
}

// Transport sends an ARP payload; the link header is added below it.
// *capture.Client implements it.
type Transport interface {
	Send(payload []byte) error
}

// State probes, announces and defends one address on one interface. All
// methods must be called on the loop that drives the scheduler.
type State struct {
	Iface netif.Interface
	Addr  netip.Addr

	cfg     Settings
	tx      Transport
	sched   clock.Scheduler
	handler Handler
	log     *logging.Logger

	phase      Phase
	probes     int
	claims     int
	lastDefend time.Time
	defends    *ratelimit.Limiter
	timer      clock.Timer
	gen        uint64
}

// New creates an idle State.
func New(ifi netif.Interface, addr netip.Addr, tx Transport, sched clock.Scheduler, h Handler, cfg Settings, log *logging.Logger) *State {
	return &State{
		Iface:   ifi,
		Addr:    addr,
		cfg:     cfg,
		tx:      tx,
		sched:   sched,
		handler: h,
		log:     log.WithFields(map[string]any{"interface": ifi.Name, "addr": addr.String()}),
		defends: ratelimit.NewLimiter(sched),
	}
}

// Phase returns the current phase.
func (s *State) Phase() Phase { return s.phase }

// LastDefend returns when the address was last defended.
func (s *State) LastDefend() time.Time { return s.lastDefend }

// reset cancels pending timers and invalidates callbacks already queued.
func (s *State) reset(p Phase) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.phase = p
}

func (s *State) after(d time.Duration, fn func()) {
	gen := s.gen
	s.timer = s.sched.AfterFunc(d, func() {
		if s.gen == gen {
			fn()
		}
	})
}

func between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

// Probe starts checking that the address is unused.
func (s *State) Probe() {
	s.reset(Probing)
	s.probes = 0
	s.log.Debug("Probing", "probes", s.cfg.ProbeNum)
	s.after(between(0, s.cfg.ProbeWait), s.sendProbe)
}

func (s *State) sendProbe() {
	s.probes++
	if err := s.send(NewProbe(s.Iface.HwType, s.Iface.HwAddr, s.Addr)); err != nil {
		s.log.Warn("Failed to send probe", "error", err)
	} else {
		metrics.Get().ARPProbes.WithLabelValues(s.Iface.Name).Inc()
	}
	if s.probes < s.cfg.ProbeNum {
		s.after(between(s.cfg.ProbeMin, s.cfg.ProbeMax), s.sendProbe)
		return
	}
	s.after(s.cfg.AnnounceWait, s.probed)
}

func (s *State) probed() {
	gen := s.gen
	s.timer = nil
	s.log.Info("Address is free")
	metrics.Get().ARPOutcomes.WithLabelValues(s.Iface.Name, "free").Inc()
	s.handler.AddressFree(s)
	// The handler may have released or restarted us.
	if s.gen == gen && s.phase == Probing {
		s.Announce()
	}
}

// Announce claims the address. It may be called directly for an address
// that is already configured.
func (s *State) Announce() {
	s.reset(Announcing)
	s.claims = 0
	s.sendAnnouncement()
}

func (s *State) sendAnnouncement() {
	s.claims++
	s.announce("claim")
	if s.claims < s.cfg.AnnounceNum {
		s.after(s.cfg.AnnounceInterval, s.sendAnnouncement)
		return
	}
	s.timer = nil
	s.phase = Bound
	s.log.Info("Address announced")
	metrics.Get().ARPOutcomes.WithLabelValues(s.Iface.Name, "announced").Inc()
	s.handler.Announced(s)
}

func (s *State) announce(reason string) {
	if err := s.send(NewAnnouncement(s.Iface.HwType, s.Iface.HwAddr, s.Addr)); err != nil {
		s.log.Warn("Failed to send announcement", "reason", reason, "error", err)
		return
	}
	metrics.Get().ARPAnnouncements.WithLabelValues(s.Iface.Name, reason).Inc()
}

func (s *State) send(p Packet) error {
	b, err := p.Marshal()
	if err != nil {
		return err
	}
	return s.tx.Send(b)
}

// Release stops all activity. The State can be reused with Probe or
// Announce.
func (s *State) Release() {
	if s.phase == Released {
		return
	}
	s.reset(Released)
	s.defends.Reset(s.Addr.String())
	if r, ok := s.handler.(Releaser); ok {
		r.Released(s)
	}
}

// HandlePacket feeds a received packet into the state machine.
func (s *State) HandlePacket(p Packet, broadcast bool) {
	if bytes.Equal(p.SHA, s.Iface.HwAddr) {
		return
	}
	switch s.phase {
	case Probing:
		// A probe for the same address from another host is a conflict too.
		if p.SPA == s.Addr || (p.SPA.IsUnspecified() && p.TPA == s.Addr && broadcast) {
			s.inUse(Conflict{SHA: p.SHA, SPA: p.SPA})
		}
	case Announcing, Bound:
		if p.SPA == s.Addr {
			s.conflict(Conflict{SHA: p.SHA, SPA: p.SPA})
		}
	}
}

func (s *State) inUse(c Conflict) {
	s.reset(InUse)
	s.log.Warn("Address in use", "by", c.SHA.String())
	metrics.Get().ARPConflicts.WithLabelValues(s.Iface.Name, Probing.String()).Inc()
	metrics.Get().ARPOutcomes.WithLabelValues(s.Iface.Name, "in-use").Inc()
	s.handler.AddressInUse(s, c)
}

func (s *State) conflict(c Conflict) {
	metrics.Get().ARPConflicts.WithLabelValues(s.Iface.Name, s.phase.String()).Inc()
	if s.defends.Allow(s.Addr.String(), s.cfg.MaxDefends, s.cfg.DefendInterval) {
		s.log.Info("Defending address", "against", c.SHA.String())
		s.lastDefend = s.sched.Now()
		s.announce("defend")
		return
	}
	if s.cfg.PersistDefence {
		s.log.Warn("Conflict limit reached, keeping address", "against", c.SHA.String())
		return
	}
	s.reset(DefendFailed)
	s.log.Warn("Failed to defend address", "against", c.SHA.String())
	metrics.Get().ARPOutcomes.WithLabelValues(s.Iface.Name, "defend-failed").Inc()
	s.handler.DefendFailed(s, c)
}

// HandleFrame implements capture.Receiver.
func (s *State) HandleFrame(f capture.Frame) {
	p, err := Parse(f.Payload)
	if err != nil {
		s.log.Debug("Ignoring frame", "error", err)
		return
	}
	s.HandlePacket(p, f.Broadcast)
}

// HandleCaptureError implements capture.Receiver.
func (s *State) HandleCaptureError(err error) {
	if errors.Is(err, privsep.ErrNoDevice) {
		s.log.Warn("Interface gone, releasing")
		s.Release()
		return
	}
	s.log.Warn("Capture error", "error", err)
}
