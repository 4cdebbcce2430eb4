package bpf

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync/atomic"

	"golang.org/x/net/bpf"

	"grimm.is/leased/internal/netif"
)

// Device is an open capture device. ReadBatch fills p with one or more
// records and blocks until at least one is available.
type Device interface {
	io.Closer
	ReadBatch(p []byte) (int, error)
	WriteFrame(frame []byte) error
	SetFilter(prog []bpf.RawInstruction) error
	// AddsLinkHeader reports whether the device frames outgoing data itself.
	AddsLinkHeader() bool
}

// WriteFilterer is implemented by devices that can filter what they send.
type WriteFilterer interface {
	SetWriteFilter(prog []bpf.RawInstruction) error
}

// FilterLocker is implemented by devices whose filters can be made permanent.
type FilterLocker interface {
	LockFilter() error
}

// Opener opens the device for ifi and returns a read buffer size hint.
type Opener func(ifi netif.Interface, proto Protocol) (Device, int, error)

// Handle flags.
const (
	FlagEndOfBatch uint = 1 << iota
	FlagBroadcast
	FlagPartialCsum
)

// Handle reads frames out of device batches. ReadFrame must be called from a
// single goroutine; Send and Close may be called from another.
type Handle struct {
	Interface netif.Interface
	Link      Link
	Proto     Protocol

	dev    Device
	closed atomic.Bool
	buf    []byte
	off    int
	valid  int
	flags  uint
}

// Filters builds the receive and transmit programs for proto on ifi.
func Filters(ifi netif.Interface, proto Protocol, addr netip.Addr) (in, out []bpf.Instruction, err error) {
	switch proto {
	case ProtoARP:
		if in, err = BuildARPFilter(ifi, addr, Receive); err != nil {
			return nil, nil, err
		}
		out, err = BuildARPFilter(ifi, addr, Transmit)
	case ProtoBOOTP:
		if in, err = BuildBOOTPFilter(ifi, Receive); err != nil {
			return nil, nil, err
		}
		out, err = BuildBOOTPFilter(ifi, Transmit)
	default:
		err = fmt.Errorf("%s: %w", proto, ErrNotSupported)
	}
	return in, out, err
}

// Open opens and filters a capture handle for proto on ifi. addr narrows an
// ARP handle to traffic about that address.
func Open(ifi netif.Interface, proto Protocol, addr netip.Addr, open Opener) (*Handle, error) {
	link, err := LinkFor(ifi)
	if err != nil {
		return nil, err
	}
	if proto == ProtoARP && !link.ARP {
		return nil, fmt.Errorf("%s: arp: %w", ifi.Name, ErrNotSupported)
	}
	in, out, err := Filters(ifi, proto, addr)
	if err != nil {
		return nil, err
	}

	dev, size, err := open(ifi, proto)
	if err != nil {
		return nil, err
	}
	if err := Install(dev, in, out); err != nil {
		dev.Close()
		return nil, err
	}
	return &Handle{
		Interface: ifi,
		Link:      link,
		Proto:     proto,
		dev:       dev,
		buf:       make([]byte, size),
		flags:     FlagEndOfBatch,
	}, nil
}

// Install attaches the receive program, and the transmit program where the
// device supports one. Filters are locked when the device allows it.
func Install(dev Device, in, out []bpf.Instruction) error {
	raw, err := bpf.Assemble(in)
	if err != nil {
		return fmt.Errorf("assemble receive filter: %w", err)
	}
	if err := dev.SetFilter(raw); err != nil {
		return fmt.Errorf("set receive filter: %w", err)
	}
	if wf, ok := dev.(WriteFilterer); ok && len(out) > 0 {
		raw, err := bpf.Assemble(out)
		if err != nil {
			return fmt.Errorf("assemble transmit filter: %w", err)
		}
		if err := wf.SetWriteFilter(raw); err != nil {
			return fmt.Errorf("set transmit filter: %w", err)
		}
	}
	if l, ok := dev.(FilterLocker); ok {
		if err := l.LockFilter(); err != nil {
			return fmt.Errorf("lock filter: %w", err)
		}
	}
	return nil
}

// Flags returns the state of the last ReadFrame.
func (h *Handle) Flags() uint { return h.flags }

// EndOfBatch reports whether the next ReadFrame reads from the device.
func (h *Handle) EndOfBatch() bool { return h.flags&FlagEndOfBatch != 0 }

// ReadFrame copies the next frame of the current batch into out, reading a
// new batch first if the last one is exhausted. It returns 0 with the
// end-of-batch flag set when the rest of a batch is unusable.
func (h *Handle) ReadFrame(out []byte) (int, error) {
	if h.closed.Load() {
		return 0, io.EOF
	}
	if h.off >= h.valid {
		n, err := h.dev.ReadBatch(h.buf)
		if err != nil {
			if h.closed.Load() {
				return 0, io.EOF
			}
			return 0, err
		}
		if n > len(h.buf) {
			return 0, errors.New("bpf: device overran read buffer")
		}
		h.off, h.valid = 0, n
	}
	h.flags = 0

	rec, ok := parseRecord(h.buf[h.off:h.valid])
	if !ok {
		h.off = h.valid
		h.flags = FlagEndOfBatch
		return 0, nil
	}
	start := h.off + rec.hdrLen
	n := copy(out, h.buf[start:start+rec.capLen])
	h.off = min(h.off+alignRecord(rec.hdrLen+rec.capLen), h.valid)

	if rec.flags&RecordBroadcast != 0 {
		h.flags |= FlagBroadcast
	}
	if rec.flags&RecordPartialCsum != 0 {
		h.flags |= FlagPartialCsum
	}
	if h.off >= h.valid {
		h.flags |= FlagEndOfBatch
	}
	return n, nil
}

// Send writes payload, prefixed with a link header when the device does not
// add one.
func (h *Handle) Send(payload []byte) error {
	if h.closed.Load() {
		return io.ErrClosedPipe
	}
	frame := payload
	if h.Link.HeaderLen > 0 && !h.dev.AddsLinkHeader() {
		var err error
		frame, err = h.Link.Frame(h.Interface.HwAddr, h.Proto.Ethertype(), payload)
		if err != nil {
			return err
		}
	}
	return h.dev.WriteFrame(frame)
}

// Close releases the device. Later reads return io.EOF.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	return h.dev.Close()
}
