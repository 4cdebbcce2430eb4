package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"grimm.is/leased/internal/brand"
	"grimm.is/leased/internal/capture"
	"grimm.is/leased/internal/inet"
	"grimm.is/leased/internal/logging"
	"grimm.is/leased/internal/manager"
	"grimm.is/leased/internal/privsep"
)

// childFlags are passed to every re-executed privsep child.
type childFlags struct {
	User            string
	Chroot          string
	Sandbox         string
	LogLevel        string
	LogJSON         bool
	ShutdownTimeout string

	IfIndex int
	Addr    string
}

// common renders the flags shared by all children. Identity flags are
// appended per worker by the root proxy.
func (f childFlags) common() []string {
	return []string{
		"-user", f.User,
		"-chroot", f.Chroot,
		"-sandbox", f.Sandbox,
		"-log-level", f.LogLevel,
		"-log-json=" + strconv.FormatBool(f.LogJSON),
		"-shutdown-timeout", f.ShutdownTimeout,
	}
}

func parseChildFlags(args []string) (childFlags, error) {
	var f childFlags
	fs := flag.NewFlagSet(privsep.ChildCommand, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.User, "user", brand.PrivsepUser, "Unprivileged user")
	fs.StringVar(&f.Chroot, "chroot", brand.DefaultChroot, "Chroot directory")
	fs.StringVar(&f.Sandbox, "sandbox", "auto", "Sandbox strategy")
	fs.StringVar(&f.LogLevel, "log-level", "info", "Log level")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Log JSON objects")
	fs.StringVar(&f.ShutdownTimeout, "shutdown-timeout", "5s", "Worker shutdown timeout")
	fs.IntVar(&f.IfIndex, "ifindex", 0, "Interface index")
	fs.StringVar(&f.Addr, "addr", "", "Bound address")
	if err := fs.Parse(args); err != nil {
		return childFlags{}, err
	}
	if fs.NArg() > 0 {
		return childFlags{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return f, nil
}

// RunPrivsep is the entry point of a re-executed child:
// "_privsep <name> [flags]". The parent's socket is on fd 3.
func RunPrivsep(args []string) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s %s <name> [flags]\n", brand.Name, privsep.ChildCommand)
		return 2
	}
	name := args[0]
	f, err := parseChildFlags(args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", privsep.ChildCommand, name, err)
		return 2
	}
	title := brand.ProcessTitle(name)
	if err := logging.Setup(title, f.LogLevel, f.LogJSON); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", title, err)
		return 2
	}

	sock := os.NewFile(privsep.ChildFD, "privsep")
	if sock == nil {
		fmt.Fprintf(os.Stderr, "%s: no parent socket\n", title)
		return 1
	}

	role, opts, body, err := childRole(name, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", title, err)
		return 1
	}
	opts.Title = title
	return privsep.RunChild(context.Background(), sock, role, opts, body)
}

// childRole selects the body for a child name.
func childRole(name string, f childFlags) (privsep.Role, privsep.ChildOptions, privsep.Body, error) {
	if name == manager.RootSpec.Name {
		shutdown, err := time.ParseDuration(f.ShutdownTimeout)
		if err != nil {
			return 0, privsep.ChildOptions{}, nil, fmt.Errorf("shutdown timeout: %w", err)
		}
		spawner, err := privsep.NewExecSpawner(f.common()...)
		if err != nil {
			return 0, privsep.ChildOptions{}, nil, err
		}
		body := func(env *privsep.Env) error {
			privsep.StartRoot(env, spawner, manager.Factories(), shutdown)
			return nil
		}
		return privsep.RoleRootProxy, privsep.ChildOptions{}, body, nil
	}

	cmd, role, ok := manager.WorkerByName(name)
	if !ok {
		return 0, privsep.ChildOptions{}, nil, errors.Join(fmt.Errorf("unknown child %q", name), privsep.ErrNotSupported)
	}
	id, err := manager.ParseIdentity(cmd, f.IfIndex, f.Addr)
	if err != nil {
		return 0, privsep.ChildOptions{}, nil, err
	}
	opts := privsep.ChildOptions{ID: id, User: f.User, Chroot: f.Chroot, Sandbox: f.Sandbox}
	if role == privsep.RoleCaptureWorker {
		return role, opts, capture.Body(capture.Config{}), nil
	}
	return role, opts, inet.Body(inet.Config{}), nil
}
