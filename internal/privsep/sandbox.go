package privsep

import (
	"errors"
	"fmt"

	"grimm.is/leased/internal/logging"
	"grimm.is/leased/internal/metrics"
)

// Strategy is one way of confining an already unprivileged process.
type Strategy interface {
	Name() string
	Available() bool
	Enter() error
}

// Strategies returns the platform's strategies, strongest first.
func Strategies() []Strategy {
	return platformStrategies()
}

// EnterSandbox enters the strategy named want, or with "auto" the strongest
// one that succeeds. "none" skips confinement. It returns the strategy used.
func EnterSandbox(want string, log *logging.Logger) (string, error) {
	if want == "none" {
		return "none", nil
	}
	if want == "" {
		want = "auto"
	}

	var errs []error
	for _, s := range Strategies() {
		if want != "auto" && s.Name() != want {
			continue
		}
		if !s.Available() {
			errs = append(errs, fmt.Errorf("%s: unavailable", s.Name()))
			continue
		}
		if err := s.Enter(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			log.Warn("Sandbox strategy failed", "strategy", s.Name(), "error", err)
			continue
		}
		metrics.Get().SandboxEntered.WithLabelValues(s.Name()).Inc()
		return s.Name(), nil
	}
	errs = append(errs, ErrNotSupported)
	return "", fmt.Errorf("sandbox %q: %w", want, errors.Join(errs...))
}
