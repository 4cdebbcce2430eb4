package privsep

import (
	"encoding/binary"
	"net"
)

// Frame limits.
const (
	HeaderSize = 64
	MaxFrame   = 64 * 1024
	MaxData    = MaxFrame - HeaderSize

	// MaxSegments bounds the payload segments gathered into one write,
	// matching the iovec budget of header, name, pad and control.
	MaxSegments = 8

	msgAlign = 8
)

// Header is the fixed part of every envelope. Wire layout, host byte order:
//
//	0  cmd u16, pad 6
//	8  flags u64
//	16 identity: family u16, pad 2, addr [16], ifindex u32, cmd u16, pad 2
//	44 namelen u32
//	48 controllen u32
//	52 pad 4
//	56 datalen u64
type Header struct {
	Cmd        Cmd
	Flags      uint64
	ID         Identity
	NameLen    uint32
	ControlLen uint32
	DataLen    uint64
}

// Msg holds the variable regions of an envelope. Name typically carries a
// socket address and Control ancillary data; Data may be split in segments
// that are written in one gather operation.
type Msg struct {
	Name    []byte
	Control []byte
	Data    [][]byte
}

// Payload returns the data segments as one slice.
func (m *Msg) Payload() []byte {
	if m == nil {
		return nil
	}
	switch len(m.Data) {
	case 0:
		return nil
	case 1:
		return m.Data[0]
	}
	var n int
	for _, seg := range m.Data {
		n += len(seg)
	}
	out := make([]byte, 0, n)
	for _, seg := range m.Data {
		out = append(out, seg...)
	}
	return out
}

func (m *Msg) dataLen() uint64 {
	var n uint64
	for _, seg := range m.Data {
		n += uint64(len(seg))
	}
	return n
}

func padLen(namelen, controllen uint32) int {
	if namelen == 0 || controllen == 0 {
		return 0
	}
	return int((namelen+msgAlign-1)&^(msgAlign-1) - namelen)
}

var zeroPad [msgAlign]byte

func (h *Header) marshal(b []byte) {
	_ = b[HeaderSize-1]
	clear(b[:HeaderSize])
	ne := binary.NativeEndian
	ne.PutUint16(b[0:], uint16(h.Cmd))
	ne.PutUint64(b[8:], h.Flags)
	ne.PutUint16(b[16:], h.ID.Family)
	copy(b[20:36], h.ID.Addr[:])
	ne.PutUint32(b[36:], h.ID.IfIndex)
	ne.PutUint16(b[40:], uint16(h.ID.Cmd))
	ne.PutUint32(b[44:], h.NameLen)
	ne.PutUint32(b[48:], h.ControlLen)
	ne.PutUint64(b[56:], h.DataLen)
}

func (h *Header) unmarshal(b []byte) {
	ne := binary.NativeEndian
	h.Cmd = Cmd(ne.Uint16(b[0:]))
	h.Flags = ne.Uint64(b[8:])
	h.ID.Family = ne.Uint16(b[16:])
	copy(h.ID.Addr[:], b[20:36])
	h.ID.IfIndex = ne.Uint32(b[36:])
	h.ID.Cmd = Cmd(ne.Uint16(b[40:]))
	h.NameLen = ne.Uint32(b[44:])
	h.ControlLen = ne.Uint32(b[48:])
	h.DataLen = ne.Uint64(b[56:])
}

// Pack lays out an envelope as a gather list: header, name, padding,
// control, then the data segments. The header's length fields are filled in
// from m. Nothing is returned when the envelope would not fit in one frame.
func Pack(h Header, m *Msg) (net.Buffers, error) {
	if m == nil {
		m = &Msg{}
	}
	if len(m.Data) > MaxSegments {
		return nil, ErrNoBufs
	}
	if len(m.Name) > MaxFrame || len(m.Control) > MaxFrame {
		return nil, ErrNoBufs
	}

	h.NameLen = uint32(len(m.Name))
	h.ControlLen = uint32(len(m.Control))
	h.DataLen = m.dataLen()
	pad := padLen(h.NameLen, h.ControlLen)

	total := uint64(HeaderSize) + uint64(h.NameLen) + uint64(pad) + uint64(h.ControlLen) + h.DataLen
	if total > MaxFrame {
		return nil, ErrNoBufs
	}

	hdr := make([]byte, HeaderSize)
	h.marshal(hdr)

	bufs := make(net.Buffers, 0, 4+len(m.Data))
	bufs = append(bufs, hdr)
	if len(m.Name) > 0 {
		bufs = append(bufs, m.Name)
	}
	if pad > 0 {
		bufs = append(bufs, zeroPad[:pad])
	}
	if len(m.Control) > 0 {
		bufs = append(bufs, m.Control)
	}
	for _, seg := range m.Data {
		if len(seg) > 0 {
			bufs = append(bufs, seg)
		}
	}
	return bufs, nil
}

// Unpack splits one received frame. The regions alias b.
func Unpack(b []byte) (Header, *Msg, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, nil, ErrInvalidMessage
	}
	h.unmarshal(b)

	if h.DataLen > MaxData || h.NameLen > MaxData || h.ControlLen > MaxData {
		return h, nil, ErrInvalidMessage
	}
	pad := padLen(h.NameLen, h.ControlLen)
	want := uint64(HeaderSize) + uint64(h.NameLen) + uint64(pad) + uint64(h.ControlLen) + h.DataLen
	if want != uint64(len(b)) {
		return h, nil, ErrInvalidMessage
	}

	m := &Msg{}
	off := HeaderSize
	if h.NameLen > 0 {
		m.Name = b[off : off+int(h.NameLen)]
		off += int(h.NameLen)
	}
	off += pad
	if h.ControlLen > 0 {
		m.Control = b[off : off+int(h.ControlLen)]
		off += int(h.ControlLen)
	}
	if h.DataLen > 0 {
		m.Data = [][]byte{b[off:]}
	}
	return h, m, nil
}
