package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/leased/internal/brand"
)

func TestParseConfig(t *testing.T) {
	src := `
log_level = "debug"

privsep {
  user    = "nobody"
  sandbox = "rlimit"
}

arp {
  probe_num       = 4
  defend_interval = "20s"
  persist_defence = true
}

metrics {
  listen = "127.0.0.1:9120"
}

interface "eth0" {
  address = "192.0.2.5"
  bootp   = true
}

interface "wlan0" {
  nd = true
}
`
	cfg, err := LoadBytes("test.hcl", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "nobody", cfg.Privsep.User)
	assert.Equal(t, brand.DefaultChroot, cfg.Privsep.Chroot, "unset fields take defaults")
	assert.Equal(t, "rlimit", cfg.Privsep.Sandbox)
	require.NotNil(t, cfg.Metrics)
	assert.Equal(t, "127.0.0.1:9120", cfg.Metrics.Listen)

	require.Len(t, cfg.Interfaces, 2)
	assert.Equal(t, "eth0", cfg.Interfaces[0].Name)
	assert.True(t, cfg.Interfaces[0].BOOTP)
	addr, err := cfg.Interfaces[0].Addr()
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.5", addr.String())
	assert.True(t, cfg.Interfaces[1].ND)

	s, err := cfg.ARP.Settings()
	require.NoError(t, err)
	assert.Equal(t, 4, s.ProbeNum)
	assert.Equal(t, 20*time.Second, s.DefendInterval)
	assert.Equal(t, time.Second, s.ProbeWait)
	assert.Equal(t, 1, s.MaxDefends)
	assert.True(t, s.PersistDefence)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	start, shutdown, err := cfg.Privsep.Timeouts()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, start)
	assert.Equal(t, 5*time.Second, shutdown)

	s, err := cfg.ARP.Settings()
	require.NoError(t, err)
	assert.Equal(t, ARPSettings{
		ProbeWait:        time.Second,
		ProbeNum:         3,
		ProbeMin:         time.Second,
		ProbeMax:         2 * time.Second,
		AnnounceWait:     2 * time.Second,
		AnnounceNum:      2,
		AnnounceInterval: 2 * time.Second,
		DefendInterval:   10 * time.Second,
		MaxDefends:       1,
	}, s)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"bad duration", `arp { probe_wait = "soon" }`, "arp.probe_wait"},
		{"min above max", `arp {
  probe_min = "3s"
  probe_max = "2s"
}`, "exceeds"},
		{"bad sandbox", `privsep { sandbox = "jail" }`, "unknown strategy"},
		{"ipv6 address", `interface "eth0" { address = "2001:db8::1" }`, "not an IPv4 address"},
		{"duplicate", `interface "eth0" {}
interface "eth0" {}`, "declared twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes("bad.hcl", []byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leased.conf")
	require.NoError(t, os.WriteFile(path, []byte(`interface "eth1" {}`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Interfaces, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}
