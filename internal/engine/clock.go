package engine

import "sync/atomic"

// Sequencer issues strictly increasing sequence numbers.
type Sequencer interface {
	Next() int64
	Current() int64
}

// Clock stamps dispatches and effect outcomes with a strictly increasing
// logical sequence number.
//
// Sequence numbers order trace records without relying on wall time. Workers
// and callers draw from the same clock, so the order they see is the order
// in which records were produced.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that resumes after start. The journal uses it
// to continue numbering across process restarts.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
