//go:build !linux

package netif

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ByName resolves an interface through the net package.
func ByName(name string) (Interface, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return Interface{}, fmt.Errorf("interface %s: %w", name, err)
	}
	return FromNet(ifi), nil
}

// ByIndex resolves an interface through the net package.
func ByIndex(index int) (Interface, error) {
	ifi, err := net.InterfaceByIndex(index)
	if err != nil {
		return Interface{}, fmt.Errorf("interface index %d: %w", index, err)
	}
	return FromNet(ifi), nil
}

// WatchDeparture is not available without netlink; callers rely on the
// capture device reporting ENXIO instead.
func WatchDeparture(context.Context, int, func()) error {
	return errors.ErrUnsupported
}
