package privsep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"grimm.is/leased/internal/eloop"
	"grimm.is/leased/internal/logging"
)

// ChildFD is the descriptor the parent's socket arrives on.
const ChildFD = 3

// ChildOptions configure a child's confinement.
type ChildOptions struct {
	ID      Identity
	Title   string
	User    string
	Chroot  string
	Sandbox string
	// Embedded runs the child inside the current process: no process title,
	// signal policy or privilege changes.
	Embedded bool
}

// Env is what a role body gets to work with.
type Env struct {
	Loop   *eloop.Loop
	Parent *Channel
	Log    *logging.Logger
	ID     Identity
	Role   Role

	handle   func(h Header, m *Msg)
	onClosed []func()
	atExit   []func()
}

// Handle sets the callback for envelopes from the parent.
func (e *Env) Handle(fn func(h Header, m *Msg)) { e.handle = fn }

// OnParentClosed registers fn to run on the loop when the parent stops us.
func (e *Env) OnParentClosed(fn func()) { e.onClosed = append(e.onClosed, fn) }

// AtExit registers fn to run after the loop has returned.
func (e *Env) AtExit(fn func()) { e.atExit = append(e.atExit, fn) }

// Body opens the role's privileged resources and registers its handlers.
// It runs before privileges are dropped.
type Body func(env *Env) error

// RunChild is the entry point of every privsep child. It wires the parent
// socket, applies the role's signal policy, runs body, confines the process
// and then serves the loop. It returns the process exit code.
func RunChild(ctx context.Context, sock *os.File, role Role, opts ChildOptions, body Body) int {
	log := logging.WithComponent(role.String())
	if !opts.Embedded {
		if opts.Title != "" {
			if err := SetProcessName(opts.Title); err != nil {
				log.Debug("Failed to set process name", "error", err)
			}
			logging.SetPrefix(opts.Title)
		}
		var stop context.CancelFunc
		ctx, stop = role.Policy().Apply(ctx)
		defer stop()
	}

	parent, err := NewChannel(sock)
	if err != nil {
		log.Error("Failed to open parent channel", "error", err)
		return 1
	}
	defer parent.Close()

	env := &Env{
		Loop:   eloop.New(),
		Parent: parent,
		Log:    log,
		ID:     opts.ID,
		Role:   role,
	}

	if err := body(env); err != nil {
		log.Error("Failed to start", "id", opts.ID, "error", err)
		_ = parent.SendError(opts.ID, opts.ID.Cmd|CmdStart, err)
		return 1
	}

	if !opts.Embedded && role.Confined() {
		name, err := Confine(opts.User, opts.Chroot, opts.Sandbox, log)
		if err != nil {
			log.Error("Failed to confine", "user", opts.User, "error", err)
			return 1
		}
		log.Debug("Confined", "user", opts.User, "chroot", opts.Chroot, "sandbox", name)
	}

	go readParent(env)

	if err := parent.Send(Header{Cmd: CmdReady, ID: opts.ID}, nil); err != nil {
		log.Error("Failed to signal ready", "error", err)
		return 1
	}

	code := env.Loop.Run(ctx)
	for _, fn := range env.atExit {
		fn()
	}
	return code
}

// Confine switches to user inside chroot and then enters the sandbox. It
// returns the sandbox strategy in effect.
func Confine(user, chroot, sandbox string, log *logging.Logger) (string, error) {
	if err := DropPrivileges(user, chroot); err != nil {
		return "", fmt.Errorf("drop privileges: %w", err)
	}
	name, err := EnterSandbox(sandbox, log)
	if err != nil {
		return "", err
	}
	return name, nil
}

func readParent(env *Env) {
	for {
		h, m, err := env.Parent.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				env.Loop.Post(func() {
					for _, fn := range env.onClosed {
						fn()
					}
					env.Loop.Exit(0)
				})
				return
			}
			env.Log.Error("Parent channel failed", "error", err)
			env.Loop.Exit(1)
			return
		}
		if !env.Loop.Post(func() {
			if env.handle != nil {
				env.handle(h, m)
			}
		}) {
			return
		}
	}
}
