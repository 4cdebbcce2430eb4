package inet

import (
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"grimm.is/leased/internal/logging"
	"grimm.is/leased/internal/privsep"
)

// Datagram is a datagram received by a socket worker.
type Datagram struct {
	Cmd      privsep.Cmd
	Src      netip.AddrPort
	IfIndex  int
	Dst      netip.Addr
	HopLimit int
	Payload  []byte
}

// Receiver consumes datagrams from one socket worker.
type Receiver interface {
	HandleDatagram(d Datagram)
	HandleSocketError(err error)
}

// Sender delivers data to a worker. *privsep.Proxy implements it.
type Sender interface {
	Send(id privsep.Identity, flags uint64, m *privsep.Msg) error
}

// Client is the manager's end of a socket worker. It implements
// privsep.Listener.
type Client struct {
	ID privsep.Identity

	px    Sender
	recv  Receiver
	log   *logging.Logger
	ready bool
	// OnReady is called when the worker's socket is open.
	OnReady func()
}

// NewClient creates the client for id. Register it with the proxy's Start.
func NewClient(px Sender, id privsep.Identity, recv Receiver, log *logging.Logger) *Client {
	return &Client{ID: id, px: px, recv: recv, log: log}
}

func (c *Client) Ready() bool { return c.ready }

// SendTo sends payload to dst out of the worker's interface.
func (c *Client) SendTo(payload []byte, dst netip.AddrPort) error {
	name, err := dst.MarshalBinary()
	if err != nil {
		return err
	}
	var control []byte
	switch c.ID.Cmd {
	case privsep.CmdBOOTP:
		control = (&ipv4.ControlMessage{IfIndex: int(c.ID.IfIndex)}).Marshal()
	default:
		control = (&ipv6.ControlMessage{IfIndex: int(c.ID.IfIndex)}).Marshal()
	}
	return c.px.Send(c.ID, 0, &privsep.Msg{Name: name, Control: control, Data: [][]byte{payload}})
}

// HandleMessage implements privsep.Listener.
func (c *Client) HandleMessage(h privsep.Header, m *privsep.Msg) {
	if h.Cmd == privsep.CmdReady {
		c.ready = true
		if c.OnReady != nil {
			c.OnReady()
		}
		return
	}
	d := Datagram{Cmd: h.Cmd, Payload: m.Payload()}
	if err := d.Src.UnmarshalBinary(m.Name); err != nil {
		c.log.Debug("Dropping datagram without source", "id", c.ID, "error", err)
		return
	}
	if err := d.parseControl(m.Control); err != nil {
		c.log.Debug("Ignoring bad control message", "id", c.ID, "error", err)
	}
	c.recv.HandleDatagram(d)
}

func (d *Datagram) parseControl(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if d.Cmd == privsep.CmdBOOTP {
		var cm ipv4.ControlMessage
		if err := cm.Parse(b); err != nil {
			return err
		}
		d.IfIndex = cm.IfIndex
		return nil
	}
	var cm ipv6.ControlMessage
	if err := cm.Parse(b); err != nil {
		return err
	}
	d.IfIndex = cm.IfIndex
	d.HopLimit = cm.HopLimit
	if a, ok := netip.AddrFromSlice(cm.Dst); ok {
		d.Dst = a
	}
	return nil
}

// HandleError implements privsep.Listener.
func (c *Client) HandleError(err error) {
	c.log.Warn("Socket worker error", "id", c.ID, "error", err)
	c.recv.HandleSocketError(err)
}
