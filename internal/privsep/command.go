package privsep

import "fmt"

// Cmd is the command code carried in every envelope header.
type Cmd uint16

// Data commands. Each names a worker kind; the bare value moves data to or
// through a running worker.
const (
	CmdBOOTP    Cmd = 0x0001 // raw BOOTP socket proxy
	CmdND       Cmd = 0x0002 // router discovery socket proxy
	CmdDHCP6    Cmd = 0x0003 // DHCPv6 client socket proxy
	CmdBPFBOOTP Cmd = 0x0004 // BOOTP capture worker
	CmdBPFARP   Cmd = 0x0005 // ARP capture worker

	// CmdError replies to a command that could not be carried out.
	CmdError Cmd = 0x0020
	// CmdReady is sent by a child once it has finished starting.
	CmdReady Cmd = 0x0021
)

// Control bits combined with a data command.
const (
	CmdStart Cmd = 0x4000
	CmdStop  Cmd = 0x8000

	cmdMask = CmdStart | CmdStop
)

// Base strips the start and stop bits.
func (c Cmd) Base() Cmd { return c &^ cmdMask }

// IsStart reports whether c requests worker creation.
func (c Cmd) IsStart() bool { return c&CmdStart != 0 && c&CmdStop == 0 }

// IsStop reports whether c requests worker teardown. The bare CmdStop value
// is channel termination, not a teardown request.
func (c Cmd) IsStop() bool { return c&CmdStop != 0 && c != CmdStop }

var cmdNames = map[Cmd]string{
	CmdBOOTP:    "bootp",
	CmdND:       "nd",
	CmdDHCP6:    "dhcp6",
	CmdBPFBOOTP: "bpf-bootp",
	CmdBPFARP:   "bpf-arp",
	CmdError:    "error",
	CmdReady:    "ready",
}

func (c Cmd) String() string {
	if c == CmdStop {
		return "stop"
	}
	name, ok := cmdNames[c.Base()]
	if !ok {
		name = fmt.Sprintf("cmd(%#04x)", uint16(c.Base()))
	}
	switch {
	case c.IsStart():
		return name + "+start"
	case c.IsStop():
		return name + "+stop"
	}
	return name
}
