// Package clock abstracts the ledger time source so the compliance engine
// never reads the wall clock directly. Production code uses SystemClock;
// tests drive time with ManualClock.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current ledger time in seconds. Implementations must be
// monotonically non-decreasing across calls.
type Clock interface {
	Now() uint64
}

// SystemClock reads unix time from the host.
type SystemClock struct{}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() uint64 {
	return uint64(time.Now().Unix())
}

// ManualClock is a test clock with controllable time.
type ManualClock struct {
	mu  sync.Mutex
	now uint64
}

func NewManualClock(start uint64) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d seconds.
func (c *ManualClock) Advance(d uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// Set jumps the clock to an absolute time. Moving backwards is not allowed;
// earlier values are ignored.
func (c *ManualClock) Set(t uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.now {
		c.now = t
	}
}
