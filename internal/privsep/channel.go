package privsep

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"grimm.is/leased/internal/metrics"
)

// Channel is one end of a sequenced packet socket pair. Every Send is one
// record on the wire and every Recv returns exactly one record.
type Channel struct {
	conn *net.UnixConn
	wmu  sync.Mutex
	rbuf []byte
}

// Socketpair creates a connected SOCK_SEQPACKET pair sized for one frame on
// the receive side and two on the send side.
func Socketpair() (a, b *os.File, err error) {
	fds, err := socketpair()
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 2*MaxFrame); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, fmt.Errorf("SO_SNDBUF: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, MaxFrame); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, fmt.Errorf("SO_RCVBUF: %w", err)
		}
	}
	return os.NewFile(uintptr(fds[0]), "privsep-a"), os.NewFile(uintptr(fds[1]), "privsep-b"), nil
}

// NewChannel wraps a socket file. The file is consumed.
func NewChannel(f *os.File) (*Channel, error) {
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("channel: %T is not a unix socket", c)
	}
	return &Channel{conn: uc, rbuf: make([]byte, MaxFrame)}, nil
}

// Pair returns two connected channels in this process.
func Pair() (*Channel, *Channel, error) {
	fa, fb, err := Socketpair()
	if err != nil {
		return nil, nil, err
	}
	a, err := NewChannel(fa)
	if err != nil {
		fb.Close()
		return nil, nil, err
	}
	b, err := NewChannel(fb)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// Send writes one envelope atomically.
func (c *Channel) Send(h Header, m *Msg) error {
	bufs, err := Pack(h, m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	_, err = bufs.WriteTo(c.conn)
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", h.Cmd, err)
	}
	metrics.Get().Envelopes.WithLabelValues("tx", h.Cmd.String()).Inc()
	return nil
}

// SendStop asks the peer to close the channel.
func (c *Channel) SendStop() error {
	return c.Send(Header{Cmd: CmdStop}, nil)
}

// SendError answers cmd for id with err.
func (c *Channel) SendError(id Identity, cmd Cmd, err error) error {
	h, m := NewErrorMsg(id, cmd, err)
	return c.Send(h, m)
}

// Recv reads one envelope. A stop envelope or a closed peer yields io.EOF.
// The returned regions are owned by the caller. Recv must not be called
// concurrently.
func (c *Channel) Recv() (Header, *Msg, error) {
	n, _, flags, _, err := c.conn.ReadMsgUnix(c.rbuf, nil)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Header{}, nil, io.EOF
		}
		return Header{}, nil, err
	}
	if n == 0 {
		return Header{}, nil, io.EOF
	}
	if flags&unix.MSG_TRUNC != 0 {
		return Header{}, nil, ErrInvalidMessage
	}

	h, m, err := Unpack(bytes.Clone(c.rbuf[:n]))
	if err != nil {
		return h, nil, err
	}
	if h.Cmd == CmdStop {
		return h, nil, io.EOF
	}
	metrics.Get().Envelopes.WithLabelValues("rx", h.Cmd.String()).Inc()
	return h, m, nil
}

// CloseWrite half-closes the channel; the peer reads EOF.
func (c *Channel) CloseWrite() error {
	return c.conn.CloseWrite()
}

// Close closes both directions.
func (c *Channel) Close() error {
	return c.conn.Close()
}
