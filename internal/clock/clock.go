package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock returns a programmable time for tests.
// Params: mutable current timestamp guarded by mutex.
// Returns: deterministic clock implementation.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a fixed clock at the given instant.
// Params: initial timestamp.
// Returns: fixed clock instance.
func NewFixedClock(now time.Time) *FixedClock {
	return &FixedClock{now: now.UTC()}
}

// Now returns the programmed timestamp.
// Params: none.
// Returns: current fixed time.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the programmed timestamp forward.
// Params: positive duration to add.
// Returns: clock advanced in place.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
