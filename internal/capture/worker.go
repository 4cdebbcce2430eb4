// Package capture runs the bpf-arp and bpf-bootp workers and the manager side
// client that receives their frames.
package capture

import (
	"context"
	"errors"
	"io"
	"syscall"

	"grimm.is/leased/internal/bpf"
	"grimm.is/leased/internal/metrics"
	"grimm.is/leased/internal/netif"
	"grimm.is/leased/internal/privsep"
)

// Envelope flags on forwarded frames.
const (
	FlagBroadcast   uint64 = 1 << 0
	FlagPartialCsum uint64 = 1 << 1
)

// Config holds the platform hooks a worker uses. Zero fields select the
// real implementations.
type Config struct {
	Open   bpf.Opener
	Lookup func(index int) (netif.Interface, error)
	Watch  func(ctx context.Context, index int, gone func()) error
}

func (c Config) withDefaults() Config {
	if c.Open == nil {
		c.Open = bpf.OpenDevice
	}
	if c.Lookup == nil {
		c.Lookup = netif.ByIndex
	}
	if c.Watch == nil {
		c.Watch = netif.WatchDeparture
	}
	return c
}

// Protocol maps a capture command onto the handle protocol.
func Protocol(cmd privsep.Cmd) (bpf.Protocol, bool) {
	switch cmd.Base() {
	case privsep.CmdBPFARP:
		return bpf.ProtoARP, true
	case privsep.CmdBPFBOOTP:
		return bpf.ProtoBOOTP, true
	}
	return 0, false
}

// worker state lives on the child's loop; only the reader goroutine touches
// the handle's read side.
type worker struct {
	env   *privsep.Env
	ifi   netif.Interface
	proto bpf.Protocol
	h     *bpf.Handle
	buf   []byte
}

// Body returns the capture worker role body.
func Body(cfg Config) privsep.Body {
	cfg = cfg.withDefaults()
	return func(env *privsep.Env) error {
		proto, ok := Protocol(env.ID.Cmd)
		if !ok {
			return privsep.ErrNotSupported
		}
		ifi, err := cfg.Lookup(int(env.ID.IfIndex))
		if err != nil {
			return errors.Join(privsep.ErrNoDevice, err)
		}
		h, err := bpf.Open(ifi, proto, env.ID.Address(), cfg.Open)
		if err != nil {
			return err
		}

		w := &worker{env: env, ifi: ifi, proto: proto, h: h, buf: make([]byte, privsep.MaxData)}
		env.Log = env.Log.WithFields(map[string]any{"interface": ifi.Name, "proto": proto.String()})
		env.Handle(w.handleParent)

		ctx, cancel := context.WithCancel(context.Background())
		env.AtExit(func() {
			cancel()
			w.forget()
		})
		if err := cfg.Watch(ctx, ifi.Index, func() { env.Loop.Post(w.departed) }); err != nil {
			env.Log.Warn("Cannot watch for link removal", "error", err)
		}

		go w.read(h)
		env.Log.Info("Capturing", "addr", env.ID.Address())
		return nil
	}
}

// read drains the handle on its own goroutine and posts every frame to the
// loop.
func (w *worker) read(h *bpf.Handle) {
	for {
		n, err := h.ReadFrame(w.buf)
		if err != nil {
			if !w.readFailed(h, err) {
				return
			}
			continue
		}
		if n == 0 {
			continue
		}
		frame := append([]byte(nil), w.buf[:n]...)
		flags := frameFlags(h.Flags())
		if !w.env.Loop.Post(func() { w.forward(frame, flags) }) {
			return
		}
	}
}

// readFailed classifies a read error and reports whether reading goes on.
func (w *worker) readFailed(h *bpf.Handle, err error) bool {
	switch {
	case errors.Is(err, io.EOF):
		return false
	case errors.Is(err, syscall.ENETDOWN):
		metrics.Get().CaptureErrors.WithLabelValues(w.ifi.Name, "transient").Inc()
		w.env.Loop.Post(func() { w.env.Log.Warn("Network is down", "error", err) })
		return true
	case isDeparture(err):
		w.env.Loop.Post(w.departed)
		return false
	}
	metrics.Get().CaptureErrors.WithLabelValues(w.ifi.Name, "fatal").Inc()
	w.env.Loop.Post(func() {
		w.env.Log.Error("Capture read failed", "error", err)
		w.env.Loop.Exit(1)
	})
	return false
}

func isDeparture(err error) bool {
	return errors.Is(err, syscall.ENXIO) || errors.Is(err, syscall.ENODEV)
}

func frameFlags(f uint) uint64 {
	var flags uint64
	if f&bpf.FlagBroadcast != 0 {
		flags |= FlagBroadcast
	}
	if f&bpf.FlagPartialCsum != 0 {
		flags |= FlagPartialCsum
	}
	return flags
}

func (w *worker) forward(frame []byte, flags uint64) {
	if w.h == nil {
		return
	}
	id := w.env.ID
	err := w.env.Parent.Send(privsep.Header{Cmd: id.Cmd, Flags: flags, ID: id}, &privsep.Msg{Data: [][]byte{frame}})
	if err != nil {
		w.env.Log.Warn("Failed to forward frame", "error", err)
		return
	}
	metrics.Get().Frames.WithLabelValues(w.ifi.Name, w.proto.String(), "rx").Inc()
}

// departed drops the device. The worker stays up until it is stopped.
func (w *worker) departed() {
	if w.h == nil {
		return
	}
	w.env.Log.Warn("Interface departed")
	metrics.Get().CaptureErrors.WithLabelValues(w.ifi.Name, "departed").Inc()
	w.forget()
}

func (w *worker) forget() {
	if w.h == nil {
		return
	}
	if err := w.h.Close(); err != nil {
		w.env.Log.Debug("Close failed", "error", err)
	}
	w.h = nil
}

// handleParent writes an outbound frame.
func (w *worker) handleParent(h privsep.Header, m *privsep.Msg) {
	id := w.env.ID
	if h.Cmd != id.Cmd {
		_ = w.env.Parent.SendError(id, h.Cmd, privsep.ErrNotSupported)
		return
	}
	if w.h == nil {
		_ = w.env.Parent.SendError(id, h.Cmd, privsep.ErrNoDevice)
		return
	}
	if err := w.h.Send(m.Payload()); err != nil {
		if isDeparture(err) {
			w.departed()
			err = privsep.ErrNoDevice
		}
		w.env.Log.Warn("Failed to send frame", "error", err)
		_ = w.env.Parent.SendError(id, h.Cmd, err)
		return
	}
	metrics.Get().Frames.WithLabelValues(w.ifi.Name, w.proto.String(), "tx").Inc()
}
