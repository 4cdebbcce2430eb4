package cmd

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/leased/internal/manager"
	"grimm.is/leased/internal/privsep"
)

func TestChildFlagsRoundTrip(t *testing.T) {
	want := childFlags{
		User:            "nobody",
		Chroot:          "/var/empty",
		Sandbox:         "rlimit",
		LogLevel:        "debug",
		LogJSON:         true,
		ShutdownTimeout: "3s",
	}
	got, err := parseChildFlags(want.common())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	spec, err := manager.Factories()[privsep.CmdBPFARP](privsep.NewIdentity(4, privsep.CmdBPFARP, netipAddr(t, "192.0.2.5")))
	require.NoError(t, err)
	got, err = parseChildFlags(append(want.common(), spec.Args...))
	require.NoError(t, err)
	assert.Equal(t, 4, got.IfIndex)
	assert.Equal(t, "192.0.2.5", got.Addr)

	_, err = parseChildFlags([]string{"-user", "x", "stray"})
	assert.Error(t, err)
	_, err = parseChildFlags([]string{"-bogus"})
	assert.Error(t, err)
}

func TestChildRole(t *testing.T) {
	f := childFlags{User: "nobody", Chroot: "/", Sandbox: "none", LogLevel: "info", ShutdownTimeout: "1s", IfIndex: 2, Addr: "192.0.2.5"}

	role, opts, body, err := childRole("bpf-arp", f)
	require.NoError(t, err)
	assert.Equal(t, privsep.RoleCaptureWorker, role)
	assert.Equal(t, privsep.NewIdentity(2, privsep.CmdBPFARP, netipAddr(t, "192.0.2.5")), opts.ID)
	assert.Equal(t, "nobody", opts.User)
	assert.NotNil(t, body)

	f.Addr = ""
	role, opts, _, err = childRole("inet-nd", f)
	require.NoError(t, err)
	assert.Equal(t, privsep.RoleNetworkProxy, role)
	assert.Equal(t, privsep.CmdND, opts.ID.Cmd)

	role, opts, _, err = childRole("root", f)
	require.NoError(t, err)
	assert.Equal(t, privsep.RoleRootProxy, role)
	assert.Zero(t, opts.ID)

	_, _, _, err = childRole("shell", f)
	assert.ErrorIs(t, err, privsep.ErrNotSupported)

	f.IfIndex = 0
	_, _, _, err = childRole("bpf-bootp", f)
	assert.Error(t, err)

	f.ShutdownTimeout = "soon"
	_, _, _, err = childRole("root", f)
	assert.Error(t, err)
}

func netipAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return a
}
