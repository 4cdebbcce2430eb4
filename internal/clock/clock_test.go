package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestNow_ReturnsCurrentTime(t *testing.T) {
	before := time.Now()
	result := Now()
	after := time.Now()

	if result.Before(before) || result.After(after) {
		t.Errorf("Now() returned %v, expected between %v and %v", result, before, after)
	}
}

func TestMockClock_AdvanceAndSince(t *testing.T) {
	mock := NewMockClock(epoch)
	mock.Advance(time.Hour)

	assert.Equal(t, epoch.Add(time.Hour), mock.Now())
	assert.Equal(t, time.Hour, mock.Since(epoch))
}

func TestMockClock_Set(t *testing.T) {
	mock := NewMockClock(epoch)
	next := epoch.Add(24 * time.Hour)
	mock.Set(next)
	assert.Equal(t, next, mock.Now())
}

func TestMockClock_TimersFireInOrder(t *testing.T) {
	mock := NewMockClock(epoch)
	var order []string
	var firedAt []time.Time

	mock.AfterFunc(2*time.Second, func() {
		order = append(order, "b")
		firedAt = append(firedAt, mock.Now())
	})
	mock.AfterFunc(time.Second, func() {
		order = append(order, "a")
		firedAt = append(firedAt, mock.Now())
	})
	mock.AfterFunc(2*time.Second, func() { order = append(order, "c") })

	mock.Advance(500 * time.Millisecond)
	assert.Empty(t, order)
	assert.Equal(t, 3, mock.Pending())

	mock.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, []time.Time{epoch.Add(time.Second), epoch.Add(2 * time.Second)}, firedAt)
	assert.Equal(t, epoch.Add(2500*time.Millisecond), mock.Now())
	assert.Zero(t, mock.Pending())
}

func TestMockClock_TimerScheduledFromCallback(t *testing.T) {
	mock := NewMockClock(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			mock.AfterFunc(time.Second, tick)
		}
	}
	mock.AfterFunc(time.Second, tick)

	mock.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}

func TestMockClock_Stop(t *testing.T) {
	mock := NewMockClock(epoch)
	fired := false
	timer := mock.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	mock.Advance(time.Minute)
	assert.False(t, fired)

	done := mock.AfterFunc(time.Second, func() {})
	mock.Advance(time.Second)
	assert.False(t, done.Stop())
}

func TestRealClock(t *testing.T) {
	var c Clock = RealClock{}
	start := c.Now()
	assert.GreaterOrEqual(t, c.Since(start), time.Duration(0))
}
