// Package eloop is a single-goroutine event loop. Every process role runs
// exactly one Loop; readers and timers never touch role state directly, they
// post closures that the loop executes one at a time.
package eloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/leased/internal/clock"
)

// Loop executes posted callbacks sequentially.
type Loop struct {
	posts chan func()
	done  chan struct{}
	once  sync.Once
	code  atomic.Int32
}

// New creates a Loop. The queue depth bounds how far readers can get ahead.
func New() *Loop {
	return &Loop{
		posts: make(chan func(), 64),
		done:  make(chan struct{}),
	}
}

// Post queues fn. It returns false once the loop has exited; the callback is
// then dropped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.posts <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Exit stops the loop after the running callback returns. The first call
// decides the exit code.
func (l *Loop) Exit(code int) {
	l.once.Do(func() {
		l.code.Store(int32(code))
		close(l.done)
	})
}

// Done is closed once Exit has been called.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run executes callbacks until Exit is called or ctx is cancelled and
// returns the exit code. Cancellation exits with code 0.
func (l *Loop) Run(ctx context.Context) int {
	for {
		select {
		case <-l.done:
			return int(l.code.Load())
		case <-ctx.Done():
			l.Exit(0)
			return int(l.code.Load())
		case fn := <-l.posts:
			fn()
		}
	}
}

// Now returns the wall clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (l *Loop) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// AfterFunc runs f on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, f func()) clock.Timer {
	t := &timer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			// Stop may have raced with the post.
			if t.stopped.CompareAndSwap(false, true) {
				f()
			}
		})
	})
	return t
}

type timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (t *timer) Stop() bool {
	t.t.Stop()
	return t.stopped.CompareAndSwap(false, true)
}

var _ clock.Scheduler = (*Loop)(nil)
