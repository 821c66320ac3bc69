package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualFiresInDeadlineOrder(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	var got []string
	c.AfterFunc(30*time.Millisecond, func() { got = append(got, "c") })
	c.AfterFunc(10*time.Millisecond, func() { got = append(got, "a") })
	c.AfterFunc(10*time.Millisecond, func() { got = append(got, "b") })

	c.Advance(20 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 1, c.Pending())

	c.Advance(10 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, time.Unix(0, 0).Add(30*time.Millisecond), c.Now())
}

func TestManualStop(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	c.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestManualCallbackCanSchedule(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	var at []time.Duration
	start := c.Now()
	c.AfterFunc(10*time.Millisecond, func() {
		at = append(at, c.Now().Sub(start))
		c.AfterFunc(10*time.Millisecond, func() { at = append(at, c.Now().Sub(start)) })
	})
	c.Advance(25 * time.Millisecond)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, at)
}
