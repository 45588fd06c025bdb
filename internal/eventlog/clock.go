package eventlog

import "sync/atomic"

// Clock is the monotonic logical clock that orders events.
//
// Every committed event gets a strictly increasing seq from the clock. No
// wall-clock time is involved, so a replayed log reproduces the same order.
// Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock at 0. The first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock positioned at start, used to resume after the
// last seq found in a stored log.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next increments the clock and returns the new value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last value handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// Rewind moves the clock back to seq so the numbers of an aborted commit are
// handed out again. The caller must serialize commits.
func (c *Clock) Rewind(seq int64) {
	c.seq.Store(seq)
}
