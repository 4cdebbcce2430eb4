//go:build linux

package privsep

func platformStrategies() []Strategy {
	return append(seccompStrategies(), rlimitStrategy{})
}
