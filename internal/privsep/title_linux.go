//go:build linux

package privsep

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// SetProcessName sets the name shown by ps and top. The kernel truncates it
// to 15 bytes.
func SetProcessName(name string) error {
	b := append([]byte(name), 0)
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}
