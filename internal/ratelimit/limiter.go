// Package ratelimit implements keyed fixed-window limiters.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/leased/internal/clock"
)

// Limiter manages fixed-window limits for multiple keys. A key's window opens
// on its first event and admits limit events until interval has elapsed,
// after which the next event opens a fresh window.
type Limiter struct {
	clock   clock.Clock
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	used  int
	start time.Time
}

// NewLimiter creates a limiter reading time from clk (RealClock if nil).
func NewLimiter(clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Limiter{
		clock:   clk,
		windows: make(map[string]*window),
	}
}

// Allow records one event for key and reports whether it fits in the
// current window.
func (l *Limiter) Allow(key string, limit int, interval time.Duration) bool {
	return l.AllowN(key, limit, interval, 1)
}

// AllowN records n events for key; nothing is recorded when they do not fit.
func (l *Limiter) AllowN(key string, limit int, interval time.Duration, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= interval {
		w = &window{start: now}
		l.windows[key] = w
	}

	if w.used+n > limit {
		return false
	}
	w.used += n
	return true
}

// Used returns the number of events admitted in key's current window.
func (l *Limiter) Used(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[key]; ok {
		return w.used
	}
	return 0
}

// Reset clears the window for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// CleanupExpired removes windows opened more than maxAge ago.
func (l *Limiter) CleanupExpired(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for key, w := range l.windows {
		if now.Sub(w.start) > maxAge {
			delete(l.windows, key)
		}
	}
}
