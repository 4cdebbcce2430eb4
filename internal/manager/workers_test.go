package manager

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/leased/internal/privsep"
)

func TestFactories(t *testing.T) {
	f := Factories()
	require.Len(t, f, len(Workers))

	id := privsep.NewIdentity(7, privsep.CmdBPFARP, netip.MustParseAddr("192.0.2.9"))
	spec, err := f[privsep.CmdBPFARP](id)
	require.NoError(t, err)
	assert.Equal(t, "bpf-arp", spec.Name)
	assert.Equal(t, privsep.RoleCaptureWorker, spec.Role)
	assert.Equal(t, []string{"-ifindex", "7", "-addr", "192.0.2.9"}, spec.Args)

	spec, err = f[privsep.CmdND](privsep.NewIdentity(7, privsep.CmdND, netip.Addr{}))
	require.NoError(t, err)
	assert.Equal(t, "inet-nd", spec.Name)
	assert.Equal(t, privsep.RoleNetworkProxy, spec.Role)
	assert.Equal(t, []string{"-ifindex", "7"}, spec.Args)
}

func TestParseIdentity(t *testing.T) {
	for cmd, w := range Workers {
		t.Run(w.Name, func(t *testing.T) {
			got, role, ok := WorkerByName(w.Name)
			require.True(t, ok)
			assert.Equal(t, cmd, got)
			assert.Equal(t, w.Role, role)

			id := privsep.NewIdentity(3, cmd, netip.MustParseAddr("192.0.2.1"))
			parsed, err := ParseIdentity(cmd, 3, "192.0.2.1")
			require.NoError(t, err)
			assert.Equal(t, id, parsed)
		})
	}

	_, _, ok := WorkerByName("root")
	assert.False(t, ok)

	_, err := ParseIdentity(privsep.CmdBPFARP, 0, "")
	assert.Error(t, err)
	_, err = ParseIdentity(privsep.CmdBPFARP, 2, "nope")
	assert.Error(t, err)
}
