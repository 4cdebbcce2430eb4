// Package clock provides a mockable time source and timer scheduler.
// In production the event loop schedules timers; tests use MockClock and
// drive time forward with Advance.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the interface for reading time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Timer is a pending callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// call stopped the timer; false means it already ran or was stopped.
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	Clock
	AfterFunc(d time.Duration, f func()) Timer
}

// --- Real Clock ---

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// --- Mock Clock ---

// MockClock is a test clock with controllable time. Timers created with
// AfterFunc fire synchronously, in deadline order, from Advance and Set.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	timers  []*mockTimer
}

type mockTimer struct {
	c     *MockClock
	when  time.Time
	seq   uint64
	f     func()
	fired bool
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// AfterFunc schedules f to run once the mock time reaches now+d.
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &mockTimer{c: c, when: c.current.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Set moves the mock time to t, firing every timer due on the way.
func (c *MockClock) Set(t time.Time) {
	c.advanceTo(t)
}

// Advance moves the mock time forward by d, firing every timer due on the way.
func (c *MockClock) Advance(d time.Duration) {
	c.advanceTo(c.Now().Add(d))
}

func (c *MockClock) advanceTo(target time.Time) {
	for {
		c.mu.Lock()
		t := c.nextDueLocked(target)
		if t == nil {
			if target.After(c.current) {
				c.current = target
			}
			c.mu.Unlock()
			return
		}
		// Callbacks may schedule or stop timers, so run them unlocked.
		c.removeLocked(t)
		t.fired = true
		if t.when.After(c.current) {
			c.current = t.when
		}
		c.mu.Unlock()
		t.f()
	}
}

func (c *MockClock) nextDueLocked(target time.Time) *mockTimer {
	due := make([]*mockTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.when.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].when.Equal(due[j].when) {
			return due[i].seq < due[j].seq
		}
		return due[i].when.Before(due[j].when)
	})
	return due[0]
}

func (c *MockClock) removeLocked(t *mockTimer) bool {
	for i, p := range c.timers {
		if p == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}

func (t *mockTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.fired {
		return false
	}
	return t.c.removeLocked(t)
}

// --- Package-level convenience functions ---

// Now returns the current system time.
func Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return time.Since(t)
}
