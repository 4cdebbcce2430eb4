// Package testutil holds skip guards for tests that need a real kernel.
package testutil

import (
	"net"
	"os"
	"testing"
)

// RequireRoot skips the test unless it runs with root privileges and
// LEASED_PRIV_TEST is set. Such tests open raw sockets on real links.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Getenv("LEASED_PRIV_TEST") == "" {
		t.Skip("Skipping test: requires LEASED_PRIV_TEST environment")
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}

// RequireLink skips the test if the named interface does not exist and
// returns it otherwise.
func RequireLink(t *testing.T, name string) *net.Interface {
	t.Helper()
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		t.Skipf("Skipping test: no interface %s: %v", name, err)
	}
	return ifi
}
