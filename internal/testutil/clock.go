package testutil

import (
	"sync"

	"github.com/roach88/statekit/internal/engine"
)

// DeterministicClock is an engine.Sequencer that can be rewound.
//
// The harness installs one per scenario with engine.WithClock so traces start
// at seq 1. Reset rewinds it for a rerun.
type DeterministicClock struct {
	mu  sync.Mutex
	seq int64
}

var _ engine.Sequencer = (*DeterministicClock)(nil)

// NewDeterministicClock returns a clock whose first Next is 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Next issues the next sequence number.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the last issued number, 0 before the first Next.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset rewinds the clock so the next Next returns 1.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}
