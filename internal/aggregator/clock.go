package aggregator

import (
	"sync/atomic"
	"time"
)

// Clock returns a monotonic timestamp in milliseconds. Later calls must never
// return a smaller value than earlier ones.
type Clock func() int64

// MonotonicClock returns a Clock that counts milliseconds since its creation
// using the runtime's monotonic reading, so wall-clock steps do not affect it.
func MonotonicClock() Clock {
	start := time.Now()
	return func() int64 {
		return time.Since(start).Milliseconds()
	}
}

// ManualClock is a Clock whose value is set explicitly. It is used by replay
// and by tests.
type ManualClock struct {
	now atomic.Int64
}

// NewManualClock creates a ManualClock reading t.
func NewManualClock(t int64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(t)
	return c
}

// Now returns the current value.
func (c *ManualClock) Now() int64 {
	return c.now.Load()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t int64) {
	c.now.Store(t)
}

// Advance moves the clock forward by d milliseconds.
func (c *ManualClock) Advance(d int64) {
	c.now.Add(d)
}
