package privsep

import (
	"fmt"
	"time"

	"grimm.is/leased/internal/clock"
	"grimm.is/leased/internal/logging"
)

// Listener receives envelopes for one worker identity on the manager's loop.
type Listener interface {
	HandleMessage(h Header, m *Msg)
	HandleError(err error)
}

// Proxy is the manager's handle on the root proxy.
type Proxy struct {
	sup       *Supervisor
	root      *Process
	listeners map[Identity]Listener
	log       *logging.Logger

	ready   bool
	timer   clock.Timer
	onReady func(error)
	onClose func(error)
}

// ProxyOptions configure StartProxy.
type ProxyOptions struct {
	Spec      ProcessSpec
	Scheduler clock.Scheduler
	Timeout   time.Duration
	// OnReady is called once: nil when the root proxy reports ready,
	// ErrTimeout or the start failure otherwise.
	OnReady func(error)
	// OnClosed is called if the root proxy goes away.
	OnClosed func(error)
}

// StartProxy spawns the root proxy. Must run on the supervisor's loop.
func StartProxy(sup *Supervisor, opts ProxyOptions, log *logging.Logger) (*Proxy, error) {
	px := &Proxy{
		sup:       sup,
		listeners: make(map[Identity]Listener),
		log:       log,
		onReady:   opts.OnReady,
		onClose:   opts.OnClosed,
	}

	root, err := sup.Start(Identity{}, opts.Spec, px)
	if err != nil {
		return nil, err
	}
	px.root = root

	if opts.Timeout > 0 && opts.Scheduler != nil {
		px.timer = opts.Scheduler.AfterFunc(opts.Timeout, func() {
			if !px.ready {
				px.log.Error("Root proxy did not become ready", "timeout", opts.Timeout)
				px.finishStart(ErrTimeout)
			}
		})
	}
	return px, nil
}

func (px *Proxy) finishStart(err error) {
	if px.ready {
		return
	}
	px.ready = true
	if px.timer != nil {
		px.timer.Stop()
	}
	if px.onReady != nil {
		px.onReady(err)
	}
}

// Ready reports whether the root proxy has finished starting.
func (px *Proxy) Ready() bool { return px.ready }

// Start asks root to start the worker for id and routes its envelopes to l.
// Starting an identity that is already running is not an error.
func (px *Proxy) Start(id Identity, l Listener) error {
	px.listeners[id] = l
	return px.send(Header{Cmd: id.Cmd | CmdStart, ID: id}, nil)
}

// Send delivers data to the worker for id.
func (px *Proxy) Send(id Identity, flags uint64, m *Msg) error {
	return px.send(Header{Cmd: id.Cmd, Flags: flags, ID: id}, m)
}

// Stop asks root to stop the worker for id.
func (px *Proxy) Stop(id Identity) error {
	delete(px.listeners, id)
	return px.send(Header{Cmd: id.Cmd | CmdStop, ID: id}, nil)
}

// Close stops the root proxy, which in turn stops every worker.
func (px *Proxy) Close() error {
	px.listeners = make(map[Identity]Listener)
	return px.sup.Stop(px.root)
}

func (px *Proxy) send(h Header, m *Msg) error {
	if px.root == nil || !px.root.Started() {
		return fmt.Errorf("root proxy: %w", ErrNotStarted)
	}
	return px.root.Send(h, m)
}

// HandleMessage routes an envelope from root.
func (px *Proxy) HandleMessage(_ *Process, h Header, m *Msg) {
	if h.Cmd == CmdReady && h.ID == (Identity{}) {
		px.log.Debug("Root proxy ready")
		px.finishStart(nil)
		return
	}

	l, ok := px.listeners[h.ID]
	if h.Cmd == CmdError {
		reply, err := ParseErrorReply(m.Payload())
		if err != nil {
			px.log.Warn("Malformed error reply", "id", h.ID)
			return
		}
		if h.ID == (Identity{}) {
			px.finishStart(reply)
			return
		}
		if !ok {
			px.log.Debug("Error for unknown worker", "id", h.ID, "error", reply)
			return
		}
		l.HandleError(reply)
		return
	}

	if !ok {
		px.log.Debug("Dropping envelope for unknown worker", "id", h.ID, "cmd", h.Cmd)
		return
	}
	l.HandleMessage(h, m)
}

// HandleClosed reports the loss of the root proxy.
func (px *Proxy) HandleClosed(_ *Process, err error) {
	if err == nil {
		err = ErrNotStarted
	}
	px.log.Error("Root proxy closed", "error", err)
	px.finishStart(fmt.Errorf("root proxy exited: %w", err))
	if px.onClose != nil {
		px.onClose(err)
	}
}
