package privsep

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Role is the part a process plays in the privilege separation tree.
type Role int

const (
	RoleManager Role = iota
	RoleRootProxy
	RoleNetworkProxy
	RoleCaptureWorker
)

func (r Role) String() string {
	switch r {
	case RoleManager:
		return "manager"
	case RoleRootProxy:
		return "root"
	case RoleNetworkProxy:
		return "inet"
	case RoleCaptureWorker:
		return "bpf"
	}
	return "unknown"
}

// Confined reports whether the role drops privileges and enters a sandbox.
// The root proxy keeps root because it has to spawn workers. The manager
// confines itself once the root proxy is running.
func (r Role) Confined() bool {
	return r != RoleRootProxy
}

// SignalPolicy says which signals end the process and which are ignored.
type SignalPolicy struct {
	Shutdown []os.Signal
	Ignore   []os.Signal
}

var signalPolicies = map[Role]SignalPolicy{
	RoleManager: {
		Shutdown: []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP},
		Ignore:   []os.Signal{syscall.SIGPIPE},
	},
	RoleRootProxy: {
		Shutdown: []os.Signal{syscall.SIGTERM},
		Ignore:   []os.Signal{syscall.SIGINT, syscall.SIGHUP, syscall.SIGPIPE},
	},
	RoleNetworkProxy: {
		Shutdown: []os.Signal{syscall.SIGTERM},
		Ignore:   []os.Signal{syscall.SIGINT, syscall.SIGHUP, syscall.SIGPIPE},
	},
	RoleCaptureWorker: {
		Shutdown: []os.Signal{syscall.SIGTERM},
		Ignore:   []os.Signal{syscall.SIGINT, syscall.SIGHUP, syscall.SIGPIPE},
	},
}

// Policy returns the role's signal policy.
func (r Role) Policy() SignalPolicy {
	return signalPolicies[r]
}

// Apply installs the policy. The returned context is cancelled by the first
// shutdown signal. Children ignore the terminal's INT and HUP so that only
// the manager reacts to them and tears the tree down in order.
func (p SignalPolicy) Apply(parent context.Context) (context.Context, context.CancelFunc) {
	if len(p.Ignore) > 0 {
		signal.Ignore(p.Ignore...)
	}
	return signal.NotifyContext(parent, p.Shutdown...)
}
