// Package manager is the unprivileged top of the process tree. It starts the
// root proxy, then drives address probing, discovery and router solicitation
// for each configured interface through the workers the root proxy spawns.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"grimm.is/leased/internal/arp"
	"grimm.is/leased/internal/bpf"
	"grimm.is/leased/internal/config"
	"grimm.is/leased/internal/eloop"
	"grimm.is/leased/internal/logging"
	"grimm.is/leased/internal/metrics"
	"grimm.is/leased/internal/netif"
	"grimm.is/leased/internal/privsep"
)

// Exit codes of a one-shot probe.
const (
	ExitFree  = 0
	ExitError = 1
	ExitInUse = 2
)

// ErrNoInterfaces is returned when nothing is configured to run.
var ErrNoInterfaces = errors.New("no interfaces configured")

// RootSpec is the process the manager spawns as its root proxy.
var RootSpec = privsep.ProcessSpec{Role: privsep.RoleRootProxy, Name: "root"}

// Options configure a Manager.
type Options struct {
	Config  *config.Config
	Spawner privsep.Spawner
	// Lookup resolves configured interface names. Defaults to netif.ByName.
	Lookup func(name string) (netif.Interface, error)
	// Probe runs a single check of the one configured address and exits
	// with ExitFree or ExitInUse instead of claiming it.
	Probe bool
	// Confine runs once the root proxy is up and before any worker starts,
	// typically privsep.Confine. Nil leaves privileges alone.
	Confine func() error
	Log     *logging.Logger
}

// Manager owns the root proxy and the per interface state.
type Manager struct {
	cfg      *config.Config
	arp      arp.Settings
	start    time.Duration
	shutdown time.Duration
	lookup   func(string) (netif.Interface, error)
	probe    bool
	answered bool
	confine  func() error
	log      *logging.Logger

	loop  *eloop.Loop
	sup   *privsep.Supervisor
	px    *privsep.Proxy
	links map[string]*link
}

// New validates opts and prepares a Manager. Nothing is spawned until Run.
func New(opts Options) (*Manager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Interfaces) == 0 {
		return nil, ErrNoInterfaces
	}
	if opts.Probe {
		if len(cfg.Interfaces) != 1 || cfg.Interfaces[0].Address == "" {
			return nil, errors.New("probe needs exactly one interface with an address")
		}
	}
	settings, err := cfg.ARP.Settings()
	if err != nil {
		return nil, err
	}
	start, shutdown, err := cfg.Privsep.Timeouts()
	if err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = logging.WithComponent("manager")
	}
	lookup := opts.Lookup
	if lookup == nil {
		lookup = netif.ByName
	}

	m := &Manager{
		cfg:      cfg,
		arp:      arp.Settings(settings),
		start:    start,
		shutdown: shutdown,
		lookup:   lookup,
		probe:    opts.Probe,
		confine:  opts.Confine,
		log:      log,
		loop:     eloop.New(),
		links:    make(map[string]*link),
	}
	m.sup = privsep.NewSupervisor(m.loop, opts.Spawner, log.WithComponent("supervisor"))
	return m, nil
}

// Run serves until ctx is cancelled or the manager gives up, then stops the
// process tree. It returns the process exit code.
func (m *Manager) Run(ctx context.Context) int {
	if m.cfg.Metrics != nil && m.cfg.Metrics.Listen != "" {
		ln, err := net.Listen("tcp", m.cfg.Metrics.Listen)
		if err != nil {
			m.log.Error("Failed to listen for metrics", "error", err)
			return ExitError
		}
		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(mctx, ln, m.log.WithComponent("metrics")); err != nil {
				m.log.Warn("Metrics server stopped", "error", err)
			}
		}()
	}

	m.loop.Post(m.startRoot)
	code := m.loop.Run(ctx)
	if m.probe && !m.answered && code == ExitFree {
		// Interrupted before the probe completed.
		code = ExitError
	}

	if m.px != nil {
		_ = m.px.Close()
	}
	m.sup.Shutdown(m.shutdown)
	m.log.Info("Stopped", "code", code)
	return code
}

func (m *Manager) startRoot() {
	px, err := privsep.StartProxy(m.sup, privsep.ProxyOptions{
		Spec:      RootSpec,
		Scheduler: m.loop,
		Timeout:   m.start,
		OnReady:   m.rootReady,
		OnClosed:  m.rootClosed,
	}, m.log.WithComponent("proxy"))
	if err != nil {
		m.log.Error("Failed to start root proxy", "error", err)
		m.loop.Exit(ExitError)
		return
	}
	m.px = px
}

func (m *Manager) rootReady(err error) {
	if err != nil {
		m.log.Error("Root proxy failed to start", "error", err)
		m.loop.Exit(ExitError)
		return
	}
	m.log.Info("Root proxy ready")
	if m.confine != nil {
		if err := m.confine(); err != nil {
			m.log.Error("Failed to confine manager", "error", err)
			m.loop.Exit(ExitError)
			return
		}
	}
	started := 0
	for _, ic := range m.cfg.Interfaces {
		if err := m.startLink(ic); err != nil {
			m.log.Error("Failed to start interface", "interface", ic.Name, "error", err)
			continue
		}
		started++
	}
	if started == 0 {
		m.loop.Exit(ExitError)
	}
}

func (m *Manager) rootClosed(err error) {
	select {
	case <-m.loop.Done():
		return
	default:
	}
	m.log.Error("Root proxy exited", "error", err)
	m.loop.Exit(ExitError)
}

func (m *Manager) startLink(ic config.Interface) error {
	ifi, err := m.lookup(ic.Name)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ic.Name, err)
	}
	hw, err := bpf.LinkFor(ifi)
	if err != nil {
		return err
	}
	l := newLink(m, ifi, hw)
	m.links[ic.Name] = l

	addr, err := ic.Addr()
	if err != nil {
		return err
	}
	if addr.IsValid() {
		if err := l.claim(addr, sourceConfig); err != nil {
			return err
		}
	}
	if m.probe {
		return nil
	}
	if ic.BOOTP {
		if err := l.startBOOTP(); err != nil {
			return err
		}
	}
	if ic.ND {
		if err := l.startND(); err != nil {
			return err
		}
	}
	if ic.DHCPv6 {
		if err := l.startDHCPv6(); err != nil {
			return err
		}
	}
	return nil
}

// probed ends a one-shot probe.
func (m *Manager) probed(addr netip.Addr, free bool) {
	if !m.probe {
		return
	}
	m.answered = true
	if free {
		m.log.Info("Probe finished, address is free", "addr", addr.String())
		m.loop.Exit(ExitFree)
		return
	}
	m.log.Info("Probe finished, address is in use", "addr", addr.String())
	m.loop.Exit(ExitInUse)
}
