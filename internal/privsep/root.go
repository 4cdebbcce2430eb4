package privsep

import (
	"time"

	"grimm.is/leased/internal/logging"
)

// Sender delivers envelopes to one peer.
type Sender interface {
	Send(h Header, m *Msg) error
}

// WorkerFactory describes the child that serves an identity.
type WorkerFactory func(id Identity) (ProcessSpec, error)

// RootProxy is the privileged process. It owns the worker supervisor and
// relays envelopes between the manager and the workers.
type RootProxy struct {
	manager   Sender
	sup       *Supervisor
	factories map[Cmd]WorkerFactory
	log       *logging.Logger
}

// NewRootProxy creates a root proxy answering to manager.
func NewRootProxy(manager Sender, sup *Supervisor, log *logging.Logger) *RootProxy {
	return &RootProxy{
		manager:   manager,
		sup:       sup,
		factories: make(map[Cmd]WorkerFactory),
		log:       log,
	}
}

// Register makes cmd startable.
func (r *RootProxy) Register(cmd Cmd, f WorkerFactory) {
	r.factories[cmd.Base()] = f
}

// Supervisor returns the worker supervisor.
func (r *RootProxy) Supervisor() *Supervisor { return r.sup }

// HandleManager dispatches one envelope from the manager.
func (r *RootProxy) HandleManager(h Header, m *Msg) {
	base := h.Cmd.Base()
	id := h.ID
	id.Cmd = base

	if _, known := r.factories[base]; !known {
		r.log.Warn("Unknown command", "cmd", h.Cmd, "id", id)
		r.reply(id, h.Cmd, ErrNotSupported)
		return
	}

	switch {
	case h.Cmd.IsStart():
		r.start(id, h.Cmd)
	case h.Cmd.IsStop():
		p, ok := r.sup.Find(id)
		if !ok {
			r.reply(id, h.Cmd, ErrNotStarted)
			return
		}
		if err := r.sup.Stop(p); err != nil {
			r.log.Warn("Failed to stop worker", "id", id, "error", err)
		}
	default:
		p, ok := r.sup.Find(id)
		if !ok {
			r.reply(id, h.Cmd, ErrNotStarted)
			return
		}
		if err := p.Send(h, m); err != nil {
			r.reply(id, h.Cmd, err)
		}
	}
}

func (r *RootProxy) start(id Identity, cmd Cmd) {
	spec, err := r.factories[id.Cmd](id)
	if err != nil {
		r.reply(id, cmd, err)
		return
	}
	if _, err := r.sup.Start(id, spec, r); err != nil {
		r.log.Error("Failed to start worker", "id", id, "error", err)
		r.reply(id, cmd, err)
	}
}

func (r *RootProxy) reply(id Identity, cmd Cmd, err error) {
	h, m := NewErrorMsg(id, cmd, err)
	if serr := r.manager.Send(h, m); serr != nil {
		r.log.Error("Failed to reply to manager", "id", id, "error", serr)
	}
}

// HandleMessage relays a worker envelope to the manager unchanged.
func (r *RootProxy) HandleMessage(p *Process, h Header, m *Msg) {
	if err := r.manager.Send(h, m); err != nil {
		r.log.Error("Failed to relay to manager", "id", p.ID, "cmd", h.Cmd, "error", err)
	}
}

// HandleClosed tells the manager a worker went away on its own.
func (r *RootProxy) HandleClosed(p *Process, err error) {
	if err != nil {
		r.log.Warn("Worker channel failed", "id", p.ID, "error", err)
	} else {
		r.log.Info("Worker exited", "id", p.ID)
	}
	r.reply(p.ID, p.ID.Cmd|CmdStop, ErrNotStarted)
}

// StartRoot is the body of the root proxy role.
func StartRoot(env *Env, spawner Spawner, factories map[Cmd]WorkerFactory, shutdown time.Duration) *RootProxy {
	sup := NewSupervisor(env.Loop, spawner, env.Log.WithComponent("supervisor"))
	r := NewRootProxy(env.Parent, sup, env.Log)
	for cmd, f := range factories {
		r.Register(cmd, f)
	}
	env.Handle(r.HandleManager)
	env.OnParentClosed(sup.StopAll)
	env.AtExit(func() { sup.Shutdown(shutdown) })
	return r
}
