//go:build linux

package bpf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/mdlayher/packet"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"grimm.is/leased/internal/netif"
)

// readBufferSize holds a batch of full sized Ethernet frames.
const readBufferSize = 64 * 1024

// minRecordRoom is the space left in a batch below which reading stops.
const minRecordRoom = 1536

// packetDevice is an AF_PACKET raw socket bound to one interface.
type packetDevice struct {
	conn    *packet.Conn
	rc      syscall.RawConn
	oob     []byte
	pending error
}

// OpenDevice opens a raw packet socket on ifi for proto.
func OpenDevice(ifi netif.Interface, proto Protocol) (Device, int, error) {
	conn, err := packet.Listen(ifi.Net(), packet.Raw, int(proto.Ethertype()), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", ifi.Name, err)
	}
	rc, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, 0, err
	}
	var serr error
	err = rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_PACKET, unix.PACKET_AUXDATA, 1)
	})
	if err == nil {
		err = serr
	}
	if err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("auxdata %s: %w", ifi.Name, err)
	}
	return &packetDevice{
		conn: conn,
		rc:   rc,
		oob:  make([]byte, unix.CmsgSpace(32)),
	}, readBufferSize, nil
}

// ReadBatch reads every frame that is already queued, waiting only for the
// first one.
func (d *packetDevice) ReadBatch(p []byte) (int, error) {
	if err := d.pending; err != nil {
		d.pending = nil
		return 0, err
	}
	var n int
	var rerr error
	err := d.rc.Read(func(fd uintptr) bool {
		for len(p)-n >= RecordHdrLen+minRecordRoom {
			frame := p[n+RecordHdrLen:]
			// With MSG_TRUNC the full frame length is returned.
			m, oobn, _, from, err := unix.Recvmsg(int(fd), frame, d.oob, unix.MSG_DONTWAIT|unix.MSG_TRUNC)
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return n > 0
			case err != nil:
				rerr = err
				return true
			}
			var flags uint16
			if sll, ok := from.(*unix.SockaddrLinklayer); ok && sll.Pkttype == unix.PACKET_BROADCAST {
				flags |= RecordBroadcast
			}
			if auxStatus(d.oob[:oobn])&unix.TP_STATUS_CSUMNOTREADY != 0 {
				flags |= RecordPartialCsum
			}
			n += PutRecordHeader(p[n:], flags, min(m, len(frame)), m)
			n = min(n, len(p))
		}
		return true
	})
	if err == nil {
		err = rerr
	}
	if err != nil && n > 0 {
		d.pending = err
		return n, nil
	}
	return n, err
}

func auxStatus(oob []byte) uint32 {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_PACKET && m.Header.Type == unix.PACKET_AUXDATA && len(m.Data) >= 4 {
			return binary.NativeEndian.Uint32(m.Data)
		}
	}
	return 0
}

func (d *packetDevice) WriteFrame(frame []byte) error {
	// The destination is taken from the frame's own link header.
	dst := net.HardwareAddr{}
	if len(frame) >= 6 {
		dst = net.HardwareAddr(frame[:6])
	}
	_, err := d.conn.WriteTo(frame, &packet.Addr{HardwareAddr: dst})
	return err
}

func (d *packetDevice) SetFilter(prog []bpf.RawInstruction) error {
	if err := d.conn.SetBPF(prog); err != nil {
		return err
	}
	d.drain()
	return nil
}

// drain discards frames queued before the filter was attached.
func (d *packetDevice) drain() {
	buf := make([]byte, 1)
	_ = d.rc.Read(func(fd uintptr) bool {
		for {
			_, _, err := unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT|unix.MSG_TRUNC)
			if err != nil && !errors.Is(err, unix.EINTR) {
				return true
			}
		}
	})
}

func (d *packetDevice) LockFilter() error {
	var serr error
	err := d.rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_LOCK_FILTER, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func (d *packetDevice) AddsLinkHeader() bool { return false }

func (d *packetDevice) Close() error { return d.conn.Close() }
