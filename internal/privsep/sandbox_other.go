//go:build unix && !linux && !freebsd

package privsep

func platformStrategies() []Strategy {
	return []Strategy{rlimitStrategy{}}
}
