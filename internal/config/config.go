// Package config loads the daemon's HCL configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"grimm.is/leased/internal/brand"
)

// Config is the root of the configuration file.
type Config struct {
	LogLevel   string      `hcl:"log_level,optional"`
	LogJSON    bool        `hcl:"log_json,optional"`
	Privsep    *Privsep    `hcl:"privsep,block"`
	ARP        *ARP        `hcl:"arp,block"`
	Metrics    *Metrics    `hcl:"metrics,block"`
	Interfaces []Interface `hcl:"interface,block"`
}

// Privsep controls how child processes are confined.
type Privsep struct {
	User            string `hcl:"user,optional"`
	Chroot          string `hcl:"chroot,optional"`
	Sandbox         string `hcl:"sandbox,optional"` // auto, capsicum, seccomp, rlimit, none
	StartTimeout    string `hcl:"start_timeout,optional"`
	ShutdownTimeout string `hcl:"shutdown_timeout,optional"`
}

// ARP tunes RFC 5227 conflict detection. Durations are Go duration strings.
type ARP struct {
	ProbeWait        string `hcl:"probe_wait,optional"`
	ProbeNum         int    `hcl:"probe_num,optional"`
	ProbeMin         string `hcl:"probe_min,optional"`
	ProbeMax         string `hcl:"probe_max,optional"`
	AnnounceWait     string `hcl:"announce_wait,optional"`
	AnnounceNum      int    `hcl:"announce_num,optional"`
	AnnounceInterval string `hcl:"announce_interval,optional"`
	DefendInterval   string `hcl:"defend_interval,optional"`
	MaxDefends       int    `hcl:"max_defends,optional"`
	PersistDefence   bool   `hcl:"persist_defence,optional"`
}

// Metrics configures the Prometheus listener.
type Metrics struct {
	Listen string `hcl:"listen"`
}

// Interface selects what runs on one network interface.
type Interface struct {
	Name    string `hcl:"name,label"`
	Address string `hcl:"address,optional"` // IPv4 address to probe and defend
	BOOTP   bool   `hcl:"bootp,optional"`   // watch BOOTP traffic
	ND      bool   `hcl:"nd,optional"`      // proxy router discovery
	DHCPv6  bool   `hcl:"dhcp6,optional"`   // proxy the DHCPv6 client socket
}

// ARPSettings are the parsed ARP values.
type ARPSettings struct {
	ProbeWait        time.Duration
	ProbeNum         int
	ProbeMin         time.Duration
	ProbeMax         time.Duration
	AnnounceWait     time.Duration
	AnnounceNum      int
	AnnounceInterval time.Duration
	DefendInterval   time.Duration
	MaxDefends       int
	PersistDefence   bool
}

// Sandbox strategy names accepted in privsep.sandbox.
var SandboxNames = []string{"auto", "capsicum", "seccomp", "rlimit", "none"}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Privsep == nil {
		c.Privsep = &Privsep{}
	}
	p := c.Privsep
	if p.User == "" {
		p.User = brand.PrivsepUser
	}
	if p.Chroot == "" {
		p.Chroot = brand.DefaultChroot
	}
	if p.Sandbox == "" {
		p.Sandbox = "auto"
	}
	if p.StartTimeout == "" {
		p.StartTimeout = "10s"
	}
	if p.ShutdownTimeout == "" {
		p.ShutdownTimeout = "5s"
	}

	if c.ARP == nil {
		c.ARP = &ARP{}
	}
	a := c.ARP
	setDuration(&a.ProbeWait, "1s")
	setDuration(&a.ProbeMin, "1s")
	setDuration(&a.ProbeMax, "2s")
	setDuration(&a.AnnounceWait, "2s")
	setDuration(&a.AnnounceInterval, "2s")
	setDuration(&a.DefendInterval, "10s")
	if a.ProbeNum == 0 {
		a.ProbeNum = 3
	}
	if a.AnnounceNum == 0 {
		a.AnnounceNum = 2
	}
	if a.MaxDefends == 0 {
		a.MaxDefends = 1
	}
}

func setDuration(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

// Timeouts returns the parsed start and shutdown timeouts.
func (p *Privsep) Timeouts() (start, shutdown time.Duration, err error) {
	if start, err = parseDuration("privsep.start_timeout", p.StartTimeout); err != nil {
		return 0, 0, err
	}
	if shutdown, err = parseDuration("privsep.shutdown_timeout", p.ShutdownTimeout); err != nil {
		return 0, 0, err
	}
	return start, shutdown, nil
}

// Settings parses the ARP block.
func (a *ARP) Settings() (ARPSettings, error) {
	s := ARPSettings{
		ProbeNum:       a.ProbeNum,
		AnnounceNum:    a.AnnounceNum,
		MaxDefends:     a.MaxDefends,
		PersistDefence: a.PersistDefence,
	}
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"arp.probe_wait", a.ProbeWait, &s.ProbeWait},
		{"arp.probe_min", a.ProbeMin, &s.ProbeMin},
		{"arp.probe_max", a.ProbeMax, &s.ProbeMax},
		{"arp.announce_wait", a.AnnounceWait, &s.AnnounceWait},
		{"arp.announce_interval", a.AnnounceInterval, &s.AnnounceInterval},
		{"arp.defend_interval", a.DefendInterval, &s.DefendInterval},
	}
	for _, f := range fields {
		d, err := parseDuration(f.name, f.raw)
		if err != nil {
			return ARPSettings{}, err
		}
		*f.dst = d
	}
	return s, nil
}

// Addr returns the configured address, or the zero Addr when unset.
func (i Interface) Addr() (netip.Addr, error) {
	if i.Address == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(i.Address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("interface %q: %w", i.Name, err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("interface %q: %s is not an IPv4 address", i.Name, addr)
	}
	return addr, nil
}

// Validate checks the whole configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := c.Privsep.Timeouts(); err != nil {
		errs = append(errs, err)
	}
	if !validSandbox(c.Privsep.Sandbox) {
		errs = append(errs, fmt.Errorf("privsep.sandbox: unknown strategy %q (want one of %s)",
			c.Privsep.Sandbox, strings.Join(SandboxNames, ", ")))
	}

	if s, err := c.ARP.Settings(); err != nil {
		errs = append(errs, err)
	} else {
		if s.ProbeMin > s.ProbeMax {
			errs = append(errs, fmt.Errorf("arp.probe_min %s exceeds arp.probe_max %s", s.ProbeMin, s.ProbeMax))
		}
		if s.ProbeNum < 1 || s.AnnounceNum < 1 || s.MaxDefends < 1 {
			errs = append(errs, errors.New("arp: probe_num, announce_num and max_defends must be positive"))
		}
	}

	seen := make(map[string]bool)
	for _, iface := range c.Interfaces {
		if seen[iface.Name] {
			errs = append(errs, fmt.Errorf("interface %q declared twice", iface.Name))
		}
		seen[iface.Name] = true
		if _, err := iface.Addr(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func validSandbox(name string) bool {
	for _, n := range SandboxNames {
		if n == name {
			return true
		}
	}
	return false
}

func parseDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", field, raw)
	}
	return d, nil
}
