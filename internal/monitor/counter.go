package monitor

import (
	"sync"
	"time"
)

// RollingCounter counts events inside a sliding window and over its lifetime.
type RollingCounter struct {
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	stamps []time.Time
	total  int64
}

func NewRollingCounter(window time.Duration, now func() time.Time) *RollingCounter {
	if now == nil {
		now = time.Now
	}
	return &RollingCounter{window: window, now: now}
}

// Inc records one event at the current time.
func (c *RollingCounter) Inc() {
	c.mu.Lock()
	c.stamps = append(c.stamps, c.now())
	c.total++
	c.mu.Unlock()
}

// Count returns the events younger than the window.
func (c *RollingCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(c.now())
	return len(c.stamps)
}

// Total is the lifetime count.
func (c *RollingCounter) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *RollingCounter) prune(now time.Time) {
	i := 0
	for i < len(c.stamps) && now.Sub(c.stamps[i]) > c.window {
		i++
	}
	if i > 0 {
		c.stamps = append(c.stamps[:0], c.stamps[i:]...)
	}
}
