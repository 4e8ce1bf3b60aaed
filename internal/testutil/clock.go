// Package testutil holds deterministic fakes shared by package tests.
package testutil

import (
	"sync"
	"time"
)

// Clock is a fake wall clock. Each call to Now advances it by a fixed step,
// so records stamped in sequence sort in the order they were written.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewClock creates a clock whose first Now returns start.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{now: start, step: step}
}

// Now returns the current time and advances the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the time the next Now call will return.
func (c *Clock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// FixedIDs returns predetermined run ids in order, then panics.
//
// Thread-safety: FixedIDs is safe for concurrent use.
type FixedIDs struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedIDs creates a generator over ids.
func NewFixedIDs(ids ...string) *FixedIDs {
	return &FixedIDs{ids: ids}
}

// Generate returns the next id. It panics when ids run out so a test that
// starts more runs than it declared fails loudly.
func (g *FixedIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("testutil.FixedIDs: all ids consumed")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
