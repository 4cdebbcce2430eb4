//go:build linux

package netif

import (
	"context"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// ByName resolves an interface through netlink.
func ByName(name string) (Interface, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return Interface{}, fmt.Errorf("interface %s: %w", name, err)
	}
	return fromLink(link), nil
}

// ByIndex resolves an interface through netlink.
func ByIndex(index int) (Interface, error) {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return Interface{}, fmt.Errorf("interface index %d: %w", index, err)
	}
	return fromLink(link), nil
}

func fromLink(link netlink.Link) Interface {
	attrs := link.Attrs()
	return Interface{
		Index:  attrs.Index,
		Name:   attrs.Name,
		HwType: hwTypeFromEncap(attrs.EncapType, len(attrs.HardwareAddr)),
		HwAddr: attrs.HardwareAddr,
		MTU:    attrs.MTU,
	}
}

// WatchDeparture calls gone once when the link with the given index is
// deleted. It returns after subscribing; the watch ends with ctx.
func WatchDeparture(ctx context.Context, index int, gone func()) error {
	updates := make(chan netlink.LinkUpdate)
	if err := netlink.LinkSubscribe(updates, ctx.Done()); err != nil {
		return fmt.Errorf("link subscribe: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if u.Header.Type == unix.RTM_DELLINK && u.Link != nil && u.Link.Attrs().Index == index {
					gone()
					return
				}
			}
		}
	}()
	return nil
}
