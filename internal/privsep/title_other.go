//go:build unix && !linux

package privsep

// SetProcessName is a no-op where the platform offers no prctl equivalent
// reachable without cgo.
func SetProcessName(string) error { return nil }
