package manager

import (
	"fmt"
	"net/netip"
	"strconv"

	"grimm.is/leased/internal/privsep"
)

// worker names one kind of child the root proxy may spawn.
type worker struct {
	Name string
	Role privsep.Role
}

// Workers maps worker commands to the child the root proxy runs for them.
var Workers = map[privsep.Cmd]worker{
	privsep.CmdBPFARP:   {"bpf-arp", privsep.RoleCaptureWorker},
	privsep.CmdBPFBOOTP: {"bpf-bootp", privsep.RoleCaptureWorker},
	privsep.CmdBOOTP:    {"inet-bootp", privsep.RoleNetworkProxy},
	privsep.CmdND:       {"inet-nd", privsep.RoleNetworkProxy},
	privsep.CmdDHCP6:    {"inet-dhcp6", privsep.RoleNetworkProxy},
}

// Factories returns the root proxy's worker factories. The identity travels
// to the child as arguments.
func Factories() map[privsep.Cmd]privsep.WorkerFactory {
	f := make(map[privsep.Cmd]privsep.WorkerFactory, len(Workers))
	for cmd, w := range Workers {
		f[cmd] = func(id privsep.Identity) (privsep.ProcessSpec, error) {
			return privsep.ProcessSpec{Role: w.Role, Name: w.Name, Args: IdentityArgs(id)}, nil
		}
	}
	return f
}

// WorkerByName finds the command and role for a child name.
func WorkerByName(name string) (privsep.Cmd, privsep.Role, bool) {
	for cmd, w := range Workers {
		if w.Name == name {
			return cmd, w.Role, true
		}
	}
	return 0, 0, false
}

// IdentityArgs encodes the parts of id that the child name does not carry.
func IdentityArgs(id privsep.Identity) []string {
	args := []string{"-ifindex", strconv.Itoa(int(id.IfIndex))}
	if addr := id.Address(); addr.IsValid() {
		args = append(args, "-addr", addr.String())
	}
	return args
}

// ParseIdentity rebuilds a worker identity from the values IdentityArgs
// encodes.
func ParseIdentity(cmd privsep.Cmd, ifindex int, addr string) (privsep.Identity, error) {
	if ifindex <= 0 {
		return privsep.Identity{}, fmt.Errorf("bad interface index %d", ifindex)
	}
	var a netip.Addr
	if addr != "" {
		var err error
		if a, err = netip.ParseAddr(addr); err != nil {
			return privsep.Identity{}, err
		}
	}
	return privsep.NewIdentity(ifindex, cmd, a), nil
}
