package eloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runAsync(l *Loop, ctx context.Context) <-chan int {
	ch := make(chan int, 1)
	go func() { ch <- l.Run(ctx) }()
	return ch
}

func waitCode(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case code := <-ch:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit")
		return -1
	}
}

func TestPostRunsInOrder(t *testing.T) {
	l := New()
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	l.Post(func() { l.Exit(3) })

	assert.Equal(t, 3, waitCode(t, runAsync(l, context.Background())))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestExitFirstCodeWins(t *testing.T) {
	l := New()
	l.Post(func() {
		l.Exit(1)
		l.Exit(0)
	})
	assert.Equal(t, 1, waitCode(t, runAsync(l, context.Background())))
	assert.False(t, l.Post(func() {}), "post after exit is dropped")
}

func TestContextCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := runAsync(l, ctx)
	cancel()
	assert.Equal(t, 0, waitCode(t, ch))
}

func TestAfterFuncRunsOnLoop(t *testing.T) {
	l := New()
	fired := make(chan struct{})
	l.AfterFunc(10*time.Millisecond, func() {
		close(fired)
		l.Exit(0)
	})
	waitCode(t, runAsync(l, context.Background()))

	select {
	case <-fired:
	default:
		t.Fatal("timer did not fire")
	}
}

func TestAfterFuncStop(t *testing.T) {
	l := New()
	fired := false
	timer := l.AfterFunc(20*time.Millisecond, func() { fired = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	l.AfterFunc(60*time.Millisecond, func() { l.Exit(0) })
	waitCode(t, runAsync(l, context.Background()))
	assert.False(t, fired)
}
