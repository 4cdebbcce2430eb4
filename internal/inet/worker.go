package inet

import (
	"errors"
	"net"
	"net/netip"
	"syscall"

	"grimm.is/leased/internal/metrics"
	"grimm.is/leased/internal/netif"
	"grimm.is/leased/internal/privsep"
)

// Config holds the platform hooks a worker uses. Zero fields select the
// real implementations.
type Config struct {
	Open   Opener
	Lookup func(index int) (netif.Interface, error)
}

func (c Config) withDefaults() Config {
	if c.Open == nil {
		c.Open = OpenSocket
	}
	if c.Lookup == nil {
		c.Lookup = netif.ByIndex
	}
	return c
}

type worker struct {
	env   *privsep.Env
	ifi   netif.Interface
	proto string
	sock  Socket
	buf   []byte
}

// Body returns the socket worker role body.
func Body(cfg Config) privsep.Body {
	cfg = cfg.withDefaults()
	return func(env *privsep.Env) error {
		proto, ok := Proto(env.ID.Cmd)
		if !ok {
			return privsep.ErrNotSupported
		}
		ifi, err := cfg.Lookup(int(env.ID.IfIndex))
		if err != nil {
			return errors.Join(privsep.ErrNoDevice, err)
		}
		sock, err := cfg.Open(ifi, env.ID.Cmd)
		if err != nil {
			return err
		}

		w := &worker{env: env, ifi: ifi, proto: proto, sock: sock, buf: make([]byte, privsep.MaxData)}
		env.Log = env.Log.WithFields(map[string]any{"interface": ifi.Name, "proto": proto})
		env.Handle(w.handleParent)
		env.AtExit(w.forget)

		go w.read(sock)
		env.Log.Info("Listening")
		return nil
	}
}

// read drains sock on its own goroutine. The loop owns w.sock, so the
// socket is passed in.
func (w *worker) read(sock Socket) {
	for {
		n, src, ifindex, control, err := sock.ReadFrom(w.buf)
		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed):
				return
			case errors.Is(err, syscall.ENETDOWN) || errors.Is(err, syscall.EAGAIN):
				continue
			case isDeparture(err):
				w.env.Loop.Post(w.departed)
				return
			}
			w.env.Loop.Post(func() {
				w.env.Log.Error("Socket read failed", "error", err)
				w.env.Loop.Exit(1)
			})
			return
		}
		// Wildcard sockets on platforms without device binding see every
		// interface.
		if ifindex != 0 && ifindex != w.ifi.Index {
			continue
		}
		payload := append([]byte(nil), w.buf[:n]...)
		if !w.env.Loop.Post(func() { w.forward(src, control, payload) }) {
			return
		}
	}
}

func isDeparture(err error) bool {
	return errors.Is(err, syscall.ENXIO) || errors.Is(err, syscall.ENODEV)
}

// departed drops the socket of a vanished interface. The worker stays up
// and answers sends with ErrNoDevice until the parent stops it.
func (w *worker) departed() {
	if w.sock == nil {
		return
	}
	w.env.Log.Warn("Interface departed")
	w.forget()
}

func (w *worker) forget() {
	if w.sock == nil {
		return
	}
	if err := w.sock.Close(); err != nil {
		w.env.Log.Debug("Close failed", "error", err)
	}
	w.sock = nil
}

func (w *worker) forward(src netip.AddrPort, control, payload []byte) {
	name, err := src.MarshalBinary()
	if err != nil {
		return
	}
	id := w.env.ID
	err = w.env.Parent.Send(privsep.Header{Cmd: id.Cmd, ID: id}, &privsep.Msg{
		Name:    name,
		Control: control,
		Data:    [][]byte{payload},
	})
	if err != nil {
		w.env.Log.Warn("Failed to forward datagram", "error", err)
		return
	}
	metrics.Get().Datagrams.WithLabelValues(w.ifi.Name, w.proto, "rx").Inc()
}

// handleParent sends an outbound datagram. The envelope name is the
// destination.
func (w *worker) handleParent(h privsep.Header, m *privsep.Msg) {
	id := w.env.ID
	if h.Cmd != id.Cmd {
		_ = w.env.Parent.SendError(id, h.Cmd, privsep.ErrNotSupported)
		return
	}
	if w.sock == nil {
		_ = w.env.Parent.SendError(id, h.Cmd, privsep.ErrNoDevice)
		return
	}
	var dst netip.AddrPort
	if err := dst.UnmarshalBinary(m.Name); err != nil || !dst.Addr().IsValid() {
		_ = w.env.Parent.SendError(id, h.Cmd, privsep.ErrInvalidMessage)
		return
	}
	if err := w.sock.WriteTo(m.Payload(), m.Control, dst); err != nil {
		w.env.Log.Warn("Failed to send datagram", "dst", dst.String(), "error", err)
		_ = w.env.Parent.SendError(id, h.Cmd, err)
		return
	}
	metrics.Get().Datagrams.WithLabelValues(w.ifi.Name, w.proto, "tx").Inc()
}
