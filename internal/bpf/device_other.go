//go:build !linux

package bpf

import (
	"fmt"

	"grimm.is/leased/internal/netif"
)

// OpenDevice is only implemented for Linux packet sockets.
func OpenDevice(ifi netif.Interface, proto Protocol) (Device, int, error) {
	return nil, 0, fmt.Errorf("open %s for %s: %w", ifi.Name, proto, ErrNotSupported)
}
