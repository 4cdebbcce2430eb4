package privsep

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"grimm.is/leased/internal/logging"
	"grimm.is/leased/internal/metrics"
)

// Poster queues a callback on the owning event loop.
type Poster interface {
	Post(fn func()) bool
}

// Handler receives a child's envelopes on the supervisor's loop.
type Handler interface {
	HandleMessage(p *Process, h Header, m *Msg)
	// HandleClosed is called once when the child closes its channel.
	// err is nil for an orderly close.
	HandleClosed(p *Process, err error)
}

// Process is the supervisor's record of one child.
type Process struct {
	ID   Identity
	Spec ProcessSpec

	ch       *Channel
	proc     Proc
	handler  Handler
	started  bool
	detached atomic.Bool
	done     chan struct{}
	exitErr  error
}

// Pid returns the child's process id.
func (p *Process) Pid() int { return p.proc.Pid() }

// Started reports whether the record is still registered.
func (p *Process) Started() bool { return p.started }

// Send writes an envelope to the child.
func (p *Process) Send(h Header, m *Msg) error { return p.ch.Send(h, m) }

// Done is closed after the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the wait status once Done is closed.
func (p *Process) ExitErr() error {
	<-p.done
	return p.exitErr
}

// Supervisor starts, tracks and stops children. Start, Stop and Find must be
// called from the loop that Poster feeds; Shutdown only after that loop has
// stopped.
type Supervisor struct {
	loop    Poster
	spawner Spawner
	log     *logging.Logger

	procs map[Identity]*Process
	live  map[*Process]struct{}
}

// NewSupervisor creates a supervisor posting child events to loop.
func NewSupervisor(loop Poster, spawner Spawner, log *logging.Logger) *Supervisor {
	return &Supervisor{
		loop:    loop,
		spawner: spawner,
		log:     log,
		procs:   make(map[Identity]*Process),
		live:    make(map[*Process]struct{}),
	}
}

// Start spawns the child for id, or returns the running one.
func (s *Supervisor) Start(id Identity, spec ProcessSpec, h Handler) (*Process, error) {
	if p, ok := s.procs[id]; ok && p.started {
		s.log.Debug("Process already started", "id", id, "pid", p.Pid())
		return p, nil
	}

	spec.ID = id
	role := spec.Role.String()
	fail := func(err error) (*Process, error) {
		metrics.Get().ProcessStarts.WithLabelValues(role, "error").Inc()
		return nil, fmt.Errorf("start %s: %w", id, err)
	}

	ours, theirs, err := Socketpair()
	if err != nil {
		return fail(err)
	}
	ch, err := NewChannel(ours)
	if err != nil {
		theirs.Close()
		return fail(err)
	}
	proc, err := s.spawner.Spawn(spec, theirs)
	theirs.Close()
	if err != nil {
		ch.Close()
		return fail(err)
	}

	p := &Process{
		ID:      id,
		Spec:    spec,
		ch:      ch,
		proc:    proc,
		handler: h,
		started: true,
		done:    make(chan struct{}),
	}
	s.procs[id] = p
	s.live[p] = struct{}{}

	metrics.Get().ProcessStarts.WithLabelValues(role, "ok").Inc()
	metrics.Get().ProcessesRunning.WithLabelValues(role).Inc()
	s.log.Info("Started process", "id", id, "name", spec.Name, "pid", proc.Pid())

	go s.read(p)
	go s.reap(p)
	return p, nil
}

func (s *Supervisor) read(p *Process) {
	for {
		h, m, err := p.ch.Recv()
		if err != nil {
			s.loop.Post(func() { s.closed(p, err) })
			return
		}
		if p.detached.Load() {
			continue
		}
		s.loop.Post(func() {
			if !p.detached.Load() && p.handler != nil {
				p.handler.HandleMessage(p, h, m)
			}
		})
	}
}

func (s *Supervisor) closed(p *Process, err error) {
	if errors.Is(err, io.EOF) {
		err = nil
	}
	s.forget(p)
	p.ch.Close()
	if p.detached.Swap(true) || p.handler == nil {
		return
	}
	p.handler.HandleClosed(p, err)
}

func (s *Supervisor) reap(p *Process) {
	err := p.proc.Wait()
	p.exitErr = err
	close(p.done)
	s.loop.Post(func() {
		delete(s.live, p)
		metrics.Get().ProcessesRunning.WithLabelValues(p.Spec.Role.String()).Dec()
		if err != nil {
			s.log.Warn("Process exited", "id", p.ID, "pid", p.Pid(), "error", err)
		} else {
			s.log.Debug("Process exited", "id", p.ID, "pid", p.Pid())
		}
	})
}

func (s *Supervisor) forget(p *Process) {
	p.started = false
	if cur, ok := s.procs[p.ID]; ok && cur == p {
		delete(s.procs, p.ID)
	}
}

// Find returns the started record for id.
func (s *Supervisor) Find(id Identity) (*Process, bool) {
	p, ok := s.procs[id]
	if !ok || !p.started {
		return nil, false
	}
	return p, true
}

// Len returns the number of started records.
func (s *Supervisor) Len() int {
	return len(s.procs)
}

// Stop asks the child to exit and forgets it. It does not wait; the child is
// reaped in the background.
func (s *Supervisor) Stop(p *Process) error {
	if p == nil || !p.started {
		return ErrNotStarted
	}
	s.forget(p)
	p.detached.Store(true)

	err := p.ch.SendStop()
	if cerr := p.ch.CloseWrite(); err == nil {
		err = cerr
	}
	s.log.Debug("Stopped process", "id", p.ID, "pid", p.Pid())
	return err
}

// StopAll stops every started child.
func (s *Supervisor) StopAll() {
	for _, p := range s.procs {
		if err := s.Stop(p); err != nil {
			s.log.Warn("Failed to stop process", "id", p.ID, "error", err)
		}
	}
}

// Shutdown stops every child and waits up to timeout for them to exit,
// killing whatever is left.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	s.StopAll()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for p := range s.live {
		select {
		case <-p.done:
			continue
		case <-deadline.C:
		}
		s.log.Warn("Killing process", "id", p.ID, "pid", p.Pid())
		if err := p.proc.Kill(); err != nil {
			// An unprivileged manager cannot signal root; closing the
			// channel below still ends it.
			s.log.Warn("Kill failed", "id", p.ID, "error", err)
			deadline.Reset(0)
			continue
		}
		<-p.done
		// The deadline has fired; everything left gets killed.
		deadline.Reset(0)
	}
	for p := range s.live {
		p.ch.Close()
		delete(s.live, p)
	}
}
