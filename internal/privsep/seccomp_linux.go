//go:build linux && (amd64 || arm64)

package privsep

import (
	"fmt"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

const (
	seccompSetModeFilter   = 1
	seccompFilterFlagTsync = 1

	seccompRetKillProcess = 0x80000000
	seccompRetErrno       = 0x00050000
	seccompRetAllow       = 0x7fff0000

	// Offsets into struct seccomp_data.
	seccompDataNr   = 0
	seccompDataArch = 4
)

// seccompDenied are the calls a confined role never needs. The list is a
// denylist because the Go runtime's own syscall set varies by release.
var seccompDenied = []uint32{
	unix.SYS_EXECVE,
	unix.SYS_EXECVEAT,
	unix.SYS_PTRACE,
	unix.SYS_PROCESS_VM_WRITEV,
	unix.SYS_MOUNT,
	unix.SYS_UMOUNT2,
	unix.SYS_PIVOT_ROOT,
	unix.SYS_CHROOT,
	unix.SYS_SETUID,
	unix.SYS_SETGID,
	unix.SYS_SETREUID,
	unix.SYS_SETREGID,
	unix.SYS_SETRESUID,
	unix.SYS_SETRESGID,
	unix.SYS_SETGROUPS,
	unix.SYS_KEXEC_LOAD,
	unix.SYS_INIT_MODULE,
	unix.SYS_FINIT_MODULE,
	unix.SYS_DELETE_MODULE,
	unix.SYS_REBOOT,
	unix.SYS_SWAPON,
	unix.SYS_SWAPOFF,
	unix.SYS_ACCT,
}

type seccompStrategy struct{}

func seccompStrategies() []Strategy { return []Strategy{seccompStrategy{}} }

func (seccompStrategy) Name() string { return "seccomp" }

func (seccompStrategy) Available() bool {
	_, err := unix.PrctlRetInt(unix.PR_GET_SECCOMP, 0, 0, 0, 0)
	return err == nil
}

func seccompProgram() []bpf.Instruction {
	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: seccompDataArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: auditArch, SkipTrue: 1},
		bpf.RetConstant{Val: seccompRetKillProcess},
		bpf.LoadAbsolute{Off: seccompDataNr, Size: 4},
	}
	for _, nr := range seccompDenied {
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: nr, SkipTrue: 1},
			bpf.RetConstant{Val: seccompRetErrno | uint32(unix.EPERM)},
		)
	}
	return append(prog, bpf.RetConstant{Val: seccompRetAllow})
}

func (seccompStrategy) Enter() error {
	raw, err := bpf.Assemble(seccompProgram())
	if err != nil {
		return fmt.Errorf("assemble filter: %w", err)
	}
	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("no_new_privs: %w", err)
	}
	// TSYNC applies the filter to every runtime thread.
	r1, _, errno := unix.Syscall(unix.SYS_SECCOMP, seccompSetModeFilter, seccompFilterFlagTsync,
		uintptr(unsafe.Pointer(&fprog)))
	if errno != 0 {
		return fmt.Errorf("seccomp: %w", errno)
	}
	if r1 != 0 {
		return fmt.Errorf("seccomp: thread %d could not be synchronised", r1)
	}
	return nil
}
