package privsep

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b, err := Pair()
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestChannelRecordsStayDiscrete(t *testing.T) {
	a, b := newPair(t)

	require.NoError(t, a.Send(Header{Cmd: CmdBPFARP}, &Msg{Data: [][]byte{[]byte("one")}}))
	require.NoError(t, a.Send(Header{Cmd: CmdBPFARP, Flags: 1}, &Msg{
		Name:    []byte("name"),
		Control: []byte("ctl"),
		Data:    [][]byte{[]byte("tw"), []byte("o")},
	}))

	h, m, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, CmdBPFARP, h.Cmd)
	assert.Equal(t, []byte("one"), m.Payload())

	h, m, err = b.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.Flags)
	assert.Equal(t, []byte("name"), m.Name)
	assert.Equal(t, []byte("ctl"), m.Control)
	assert.Equal(t, []byte("two"), m.Payload())
}

func TestChannelLargestFrame(t *testing.T) {
	a, b := newPair(t)
	data := make([]byte, MaxData)
	data[len(data)-1] = 0x5a

	done := make(chan error, 1)
	go func() { done <- a.Send(Header{Cmd: CmdBOOTP}, &Msg{Data: [][]byte{data}}) }()

	_, m, err := b.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, data, m.Payload())
}

func TestChannelNoBufsWritesNothing(t *testing.T) {
	a, b := newPair(t)

	err := a.Send(Header{Cmd: CmdBOOTP}, &Msg{Data: [][]byte{make([]byte, MaxData+1)}})
	require.ErrorIs(t, err, ErrNoBufs)

	require.NoError(t, a.Send(Header{Cmd: CmdND}, nil))
	h, _, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, CmdND, h.Cmd, "the failed send left no partial record")
}

func TestChannelStop(t *testing.T) {
	a, b := newPair(t)
	require.NoError(t, a.SendStop())
	_, _, err := b.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestChannelCloseWrite(t *testing.T) {
	a, b := newPair(t)
	require.NoError(t, a.CloseWrite())
	_, _, err := b.Recv()
	assert.ErrorIs(t, err, io.EOF)

	// The other direction still works.
	require.NoError(t, b.Send(Header{Cmd: CmdReady}, nil))
	h, _, err := a.Recv()
	require.NoError(t, err)
	assert.Equal(t, CmdReady, h.Cmd)
}
