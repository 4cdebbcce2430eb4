//go:build unix

package privsep

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// rlimitStrategy is the fallback everywhere: no core dumps and no file growth.
// RLIMIT_NPROC is left alone; the Go runtime needs to create threads.
type rlimitStrategy struct{}

func (rlimitStrategy) Name() string    { return "rlimit" }
func (rlimitStrategy) Available() bool { return true }

func (rlimitStrategy) Enter() error {
	zero := &unix.Rlimit{Cur: 0, Max: 0}
	for _, res := range []int{unix.RLIMIT_CORE, unix.RLIMIT_FSIZE} {
		if err := unix.Setrlimit(res, zero); err != nil {
			return fmt.Errorf("setrlimit %d: %w", res, err)
		}
	}
	return nil
}
