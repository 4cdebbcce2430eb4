package privsep

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// ChildCommand is the hidden sub-command that re-enters a privsep role.
const ChildCommand = "_privsep"

// ProcessSpec describes the child to start for an identity.
type ProcessSpec struct {
	// ID is filled in by Supervisor.Start.
	ID   Identity
	Role Role
	// Name selects the role body in the child, e.g. "bpf-arp".
	Name string
	Args []string
}

// Proc is a running child.
type Proc interface {
	Pid() int
	Wait() error
	Kill() error
}

// Spawner starts a child process that talks over the given socket.
type Spawner interface {
	Spawn(spec ProcessSpec, sock *os.File) (Proc, error)
}

// ExecSpawner re-executes the running binary as
// "<path> _privsep <name> <common args> <role args>". The socket becomes fd 3.
type ExecSpawner struct {
	Path       string
	CommonArgs []string
	Env        []string
}

// NewExecSpawner spawns children from the current executable.
func NewExecSpawner(common ...string) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ExecSpawner{Path: path, CommonArgs: common}, nil
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(spec ProcessSpec, sock *os.File) (Proc, error) {
	args := []string{ChildCommand, spec.Name}
	args = append(args, s.CommonArgs...)
	args = append(args, spec.Args...)

	cmd := exec.Command(s.Path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{sock}
	cmd.Env = s.Env
	cmd.SysProcAttr = childProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}
	return execProc{cmd}, nil
}

type execProc struct{ cmd *exec.Cmd }

func (p execProc) Pid() int    { return p.cmd.Process.Pid }
func (p execProc) Wait() error { return p.cmd.Wait() }
func (p execProc) Kill() error { return p.cmd.Process.Kill() }

// ChildFunc is an in-process role body. It owns sock and returns the exit code.
type ChildFunc func(ctx context.Context, spec ProcessSpec, sock *os.File) int

// FuncSpawner runs role bodies as goroutines. It gives tests the full
// channel and supervisor behaviour without exec.
type FuncSpawner struct {
	mu      sync.Mutex
	funcs   map[string]ChildFunc
	spawned int
	nextPid int
}

// NewFuncSpawner creates an empty FuncSpawner.
func NewFuncSpawner() *FuncSpawner {
	return &FuncSpawner{funcs: make(map[string]ChildFunc), nextPid: 1000}
}

// Register binds a role name to a body.
func (s *FuncSpawner) Register(name string, fn ChildFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[name] = fn
}

// Spawned returns how many children have been started.
func (s *FuncSpawner) Spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

// Spawn implements Spawner.
func (s *FuncSpawner) Spawn(spec ProcessSpec, sock *os.File) (Proc, error) {
	s.mu.Lock()
	fn, ok := s.funcs[spec.Name]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("spawn %s: %w", spec.Name, ErrNotSupported)
	}
	s.spawned++
	s.nextPid++
	pid := s.nextPid
	s.mu.Unlock()

	// The caller closes its copy after Spawn, as it would after fork.
	dup, err := dupFile(sock)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &funcProc{pid: pid, done: make(chan struct{}), cancel: cancel}
	go func() {
		p.code = fn(ctx, spec, dup)
		close(p.done)
	}()
	return p, nil
}

type funcProc struct {
	pid    int
	code   int
	done   chan struct{}
	cancel context.CancelFunc
}

func (p *funcProc) Pid() int { return p.pid }

func (p *funcProc) Wait() error {
	<-p.done
	if p.code != 0 {
		return fmt.Errorf("exit status %d", p.code)
	}
	return nil
}

func (p *funcProc) Kill() error {
	p.cancel()
	return nil
}
