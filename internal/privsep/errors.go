package privsep

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrNoBufs means the envelope does not fit in one frame.
	ErrNoBufs = errors.New("privsep: no buffer space")
	// ErrInvalidMessage means the received lengths are inconsistent.
	ErrInvalidMessage = errors.New("privsep: invalid message")
	// ErrNotSupported answers an unknown command or unsupported worker.
	ErrNotSupported = errors.New("privsep: not supported")
	// ErrNotStarted answers data or stop for an identity with no worker.
	ErrNotStarted = errors.New("privsep: no such process")
	// ErrNoDevice answers data for a worker whose device has departed.
	ErrNoDevice = errors.New("privsep: no such device")
	// ErrTimeout is returned when a child does not become ready in time.
	ErrTimeout = errors.New("privsep: start timed out")
)

var errnoMap = []struct {
	err   error
	errno syscall.Errno
}{
	{ErrNoBufs, syscall.ENOBUFS},
	{ErrInvalidMessage, syscall.EBADMSG},
	{ErrNotSupported, syscall.ENOTSUP},
	{ErrNotStarted, syscall.ESRCH},
	{ErrNoDevice, syscall.ENODEV},
	{ErrTimeout, syscall.ETIMEDOUT},
}

// Errno maps an error onto the errno carried in a CmdError reply.
func Errno(err error) syscall.Errno {
	for _, m := range errnoMap {
		if errors.Is(err, m.err) {
			return m.errno
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// ErrorFromErrno maps an errno back onto a sentinel where one exists.
func ErrorFromErrno(errno syscall.Errno) error {
	switch errno {
	case syscall.ENXIO:
		return ErrNoDevice
	}
	for _, m := range errnoMap {
		if m.errno == errno {
			return m.err
		}
	}
	return errno
}

// errorPayloadLen is errno u32, failing cmd u16, pad u16.
const errorPayloadLen = 8

// ErrorReply is the payload of a CmdError envelope.
type ErrorReply struct {
	Errno syscall.Errno
	Cmd   Cmd
}

func (r ErrorReply) Error() string {
	return fmt.Sprintf("%s: %v", r.Cmd, ErrorFromErrno(r.Errno))
}

// Unwrap lets errors.Is match the sentinel behind the errno.
func (r ErrorReply) Unwrap() error {
	return ErrorFromErrno(r.Errno)
}

func (r ErrorReply) marshal() []byte {
	b := make([]byte, errorPayloadLen)
	binary.NativeEndian.PutUint32(b[0:], uint32(r.Errno))
	binary.NativeEndian.PutUint16(b[4:], uint16(r.Cmd))
	return b
}

// ParseErrorReply decodes a CmdError payload.
func ParseErrorReply(data []byte) (ErrorReply, error) {
	if len(data) != errorPayloadLen {
		return ErrorReply{}, ErrInvalidMessage
	}
	return ErrorReply{
		Errno: syscall.Errno(binary.NativeEndian.Uint32(data[0:])),
		Cmd:   Cmd(binary.NativeEndian.Uint16(data[4:])),
	}, nil
}

// NewErrorMsg builds the envelope answering cmd for id with err.
func NewErrorMsg(id Identity, cmd Cmd, err error) (Header, *Msg) {
	reply := ErrorReply{Errno: Errno(err), Cmd: cmd}
	return Header{Cmd: CmdError, ID: id}, &Msg{Data: [][]byte{reply.marshal()}}
}
