package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grimm.is/leased/internal/clock"
)

func newTestLimiter() (*Limiter, *clock.MockClock) {
	mc := clock.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewLimiter(mc), mc
}

func TestLimiter_Allow_Basic(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("test-key", 3, time.Minute), "request %d", i+1)
	}
	assert.False(t, l.Allow("test-key", 3, time.Minute), "4th request should be denied")
	assert.Equal(t, 3, l.Used("test-key"))
}

func TestLimiter_Allow_DifferentKeys(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 2; i++ {
		assert.True(t, l.Allow("key1", 2, time.Minute))
		assert.True(t, l.Allow("key2", 2, time.Minute))
	}
	assert.False(t, l.Allow("key1", 2, time.Minute))
	assert.False(t, l.Allow("key2", 2, time.Minute))
}

func TestLimiter_WindowStartsAtFirstEvent(t *testing.T) {
	l, mc := newTestLimiter()

	assert.True(t, l.Allow("k", 1, 10*time.Second))
	mc.Advance(9 * time.Second)
	assert.False(t, l.Allow("k", 1, 10*time.Second), "still inside the window")

	mc.Advance(time.Second)
	assert.True(t, l.Allow("k", 1, 10*time.Second), "window elapsed")
	assert.Equal(t, 1, l.Used("k"))
}

func TestLimiter_AllowN(t *testing.T) {
	l, _ := newTestLimiter()

	assert.True(t, l.AllowN("k", 5, time.Minute, 3))
	assert.False(t, l.AllowN("k", 5, time.Minute, 3))
	assert.True(t, l.AllowN("k", 5, time.Minute, 2))
}

func TestLimiter_ResetAndCleanup(t *testing.T) {
	l, mc := newTestLimiter()

	l.Allow("a", 1, time.Minute)
	l.Reset("a")
	assert.True(t, l.Allow("a", 1, time.Minute))

	l.Allow("b", 1, time.Minute)
	mc.Advance(2 * time.Minute)
	l.CleanupExpired(time.Minute)
	assert.Zero(t, l.Used("a"))
	assert.Zero(t, l.Used("b"))
}
