//go:build freebsd

package privsep

import "golang.org/x/sys/unix"

// capsicumStrategy enters capability mode; descriptors opened before it stay
// usable, nothing new can be opened by path.
type capsicumStrategy struct{}

func (capsicumStrategy) Name() string    { return "capsicum" }
func (capsicumStrategy) Available() bool { return true }

func (capsicumStrategy) Enter() error {
	if _, _, errno := unix.Syscall(unix.SYS_CAP_ENTER, 0, 0, 0); errno != 0 {
		return errno
	}
	return nil
}

func platformStrategies() []Strategy {
	return []Strategy{capsicumStrategy{}, rlimitStrategy{}}
}
