package privsep

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/leased/internal/eloop"
	"grimm.is/leased/internal/logging"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Output: io.Discard})
}

// startLoop runs a loop for the duration of the test.
func startLoop(t *testing.T) *eloop.Loop {
	t.Helper()
	l := eloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

// onLoop runs fn on l and waits for it.
func onLoop(t *testing.T, l *eloop.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, l.Post(func() {
		fn()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop callback did not run")
	}
}

// echoChild answers every envelope with the same envelope.
func echoChild(ctx context.Context, spec ProcessSpec, sock *os.File) int {
	return RunChild(ctx, sock, spec.Role, ChildOptions{ID: spec.ID, Embedded: true}, func(env *Env) error {
		env.Handle(func(h Header, m *Msg) {
			_ = env.Parent.Send(h, m)
		})
		return nil
	})
}

type envelope struct {
	h Header
	m *Msg
}

// recorder implements Handler and Listener.
type recorder struct {
	msgs   chan envelope
	errs   chan error
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{
		msgs:   make(chan envelope, 16),
		errs:   make(chan error, 16),
		closed: make(chan error, 4),
	}
}

func (r *recorder) HandleMessage(h Header, m *Msg) { r.msgs <- envelope{h, m} }
func (r *recorder) HandleError(err error)          { r.errs <- err }

func (r *recorder) next(t *testing.T) envelope    { return recv(t, r.msgs) }
func (r *recorder) nextErr(t *testing.T) error    { return recv(t, r.errs) }
func (r *recorder) nextClosed(t *testing.T) error { return recv(t, r.closed) }

// handler adapts the recorder to the supervisor's Handler.
func (r *recorder) handler() Handler { return recorderHandler{r} }

type recorderHandler struct{ r *recorder }

func (h recorderHandler) HandleMessage(_ *Process, hd Header, m *Msg) { h.r.HandleMessage(hd, m) }
func (h recorderHandler) HandleClosed(_ *Process, err error)          { h.r.closed <- err }

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
		var zero T
		return zero
	}
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not reaped")
	}
}
