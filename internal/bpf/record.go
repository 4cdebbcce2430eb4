package bpf

import "encoding/binary"

// Record flags.
const (
	RecordBroadcast   uint16 = 1 << 0
	RecordPartialCsum uint16 = 1 << 1
)

// RecordHeaderLen is the size of {hdrlen u16, flags u16, caplen u32,
// datalen u32} before alignment.
const RecordHeaderLen = 12

const recordAlign = 8

// RecordHdrLen is the aligned header length devices write.
var RecordHdrLen = alignRecord(RecordHeaderLen)

func alignRecord(n int) int {
	return (n + recordAlign - 1) &^ (recordAlign - 1)
}

type record struct {
	hdrLen  int
	flags   uint16
	capLen  int
	dataLen int
}

// PutRecordHeader writes a record header for a frame of caplen bytes that the
// caller has already placed at b[RecordHdrLen:]. It returns the aligned size
// of the whole record.
func PutRecordHeader(b []byte, flags uint16, caplen, datalen int) int {
	binary.NativeEndian.PutUint16(b[0:], uint16(RecordHdrLen))
	binary.NativeEndian.PutUint16(b[2:], flags)
	binary.NativeEndian.PutUint32(b[4:], uint32(caplen))
	binary.NativeEndian.PutUint32(b[8:], uint32(datalen))
	return alignRecord(RecordHdrLen + caplen)
}

// AppendRecord appends frame as one aligned record.
func AppendRecord(dst []byte, flags uint16, frame []byte) []byte {
	start := len(dst)
	need := alignRecord(RecordHdrLen + len(frame))
	dst = append(dst, make([]byte, need)...)
	PutRecordHeader(dst[start:], flags, len(frame), len(frame))
	copy(dst[start+RecordHdrLen:], frame)
	return dst
}

// parseRecord decodes the record at the start of b. It fails when the header
// or the captured bytes run past len(b).
func parseRecord(b []byte) (record, bool) {
	if len(b) < RecordHeaderLen {
		return record{}, false
	}
	r := record{
		hdrLen:  int(binary.NativeEndian.Uint16(b[0:])),
		flags:   binary.NativeEndian.Uint16(b[2:]),
		capLen:  int(binary.NativeEndian.Uint32(b[4:])),
		dataLen: int(binary.NativeEndian.Uint32(b[8:])),
	}
	if r.hdrLen < RecordHeaderLen || r.hdrLen+r.capLen > len(b) {
		return record{}, false
	}
	return r, true
}
