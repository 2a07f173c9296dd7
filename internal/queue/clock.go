package queue

import "sync/atomic"

// IDClock hands out monotonically increasing request IDs.
//
// Thread-safety: IDClock is safe for concurrent use (atomic operations).
type IDClock struct {
	seq atomic.Int64
}

// NewIDClock creates a clock whose first Next() returns 1.
func NewIDClock() *IDClock {
	return &IDClock{}
}

// NewIDClockAt creates a clock resuming after start.
// Used after recovery so new IDs sort after every persisted one.
func NewIDClockAt(start int64) *IDClock {
	c := &IDClock{}
	c.seq.Store(start)
	return c
}

// Next returns the next ID. Calls are linearizable.
func (c *IDClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued (or observed) ID without incrementing.
func (c *IDClock) Current() int64 {
	return c.seq.Load()
}

// Observe raises the clock to at least id, so IDs supplied by callers or
// found in the store are never re-issued.
func (c *IDClock) Observe(id int64) {
	for {
		cur := c.seq.Load()
		if id <= cur {
			return
		}
		if c.seq.CompareAndSwap(cur, id) {
			return
		}
	}
}
