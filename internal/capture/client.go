package capture

import (
	"net"

	"grimm.is/leased/internal/bpf"
	"grimm.is/leased/internal/logging"
	"grimm.is/leased/internal/privsep"
)

// Frame is a captured frame with its link header removed.
type Frame struct {
	Payload     []byte
	Src         net.HardwareAddr
	Broadcast   bool
	PartialCsum bool
}

// Receiver consumes frames from one capture worker.
type Receiver interface {
	HandleFrame(f Frame)
	HandleCaptureError(err error)
}

// Sender delivers data to a worker. *privsep.Proxy implements it.
type Sender interface {
	Send(id privsep.Identity, flags uint64, m *privsep.Msg) error
}

// Client is the manager's end of a capture worker. It implements
// privsep.Listener.
type Client struct {
	ID   privsep.Identity
	Link bpf.Link

	px    Sender
	recv  Receiver
	log   *logging.Logger
	ready bool
	// OnReady is called when the worker reports it is capturing.
	OnReady func()
}

// NewClient creates the client for id. Register it with the proxy's Start.
func NewClient(px Sender, id privsep.Identity, link bpf.Link, recv Receiver, log *logging.Logger) *Client {
	return &Client{ID: id, Link: link, px: px, recv: recv, log: log}
}

// Ready reports whether the worker has started.
func (c *Client) Ready() bool { return c.ready }

// Send transmits a network layer payload through the worker, which adds the
// link header.
func (c *Client) Send(payload []byte) error {
	return c.px.Send(c.ID, 0, &privsep.Msg{Data: [][]byte{payload}})
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
	payload, src, err := c.Link.Strip(m.Payload())
	if err != nil {
		c.log.Debug("Dropping frame", "id", c.ID, "error", err)
		return
	}
	c.recv.HandleFrame(Frame{
		Payload:     payload,
		Src:         src,
		Broadcast:   h.Flags&FlagBroadcast != 0,
		PartialCsum: h.Flags&FlagPartialCsum != 0,
	})
}

// HandleError implements privsep.Listener.
func (c *Client) HandleError(err error) {
	c.log.Warn("Capture worker error", "id", c.ID, "error", err)
	c.recv.HandleCaptureError(err)
}
