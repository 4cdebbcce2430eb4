package privsep

import (
	"fmt"
	"net/netip"
)

// Address families stored in Identity.Family.
const (
	familyNone  uint16 = 0
	familyInet  uint16 = 2
	familyInet6 uint16 = 10
)

// Identity keys a worker process: interface, worker kind and an optional
// bound address. It is comparable and used directly as a map key.
type Identity struct {
	Family  uint16
	Addr    [16]byte
	IfIndex uint32
	Cmd     Cmd
}

// NewIdentity builds the key for a worker. addr may be the zero Addr.
func NewIdentity(ifindex int, cmd Cmd, addr netip.Addr) Identity {
	id := Identity{IfIndex: uint32(ifindex), Cmd: cmd.Base()}
	switch {
	case addr.Is4():
		id.Family = familyInet
		a4 := addr.As4()
		copy(id.Addr[:], a4[:])
	case addr.Is6():
		id.Family = familyInet6
		id.Addr = addr.As16()
	}
	return id
}

// Address returns the bound address, or the zero Addr.
func (id Identity) Address() netip.Addr {
	switch id.Family {
	case familyInet:
		return netip.AddrFrom4([4]byte(id.Addr[:4]))
	case familyInet6:
		return netip.AddrFrom16(id.Addr)
	}
	return netip.Addr{}
}

func (id Identity) String() string {
	if addr := id.Address(); addr.IsValid() {
		return fmt.Sprintf("%s/%d/%s", id.Cmd, id.IfIndex, addr)
	}
	return fmt.Sprintf("%s/%d", id.Cmd, id.IfIndex)
}
