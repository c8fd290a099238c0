// Package ratecounter implements the sliding-window event counter used
// throughout portfan for byte and connection telemetry.
//
// A Counter exposes four reads — last second, last minute, last hour, and
// lifetime total — backed by two ring buffers of wall-clock buckets plus an
// atomic running total. Expiry of stale buckets is driven by the calling
// wall clock on every write or read, so there is no background goroutine
// per counter.
package ratecounter

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	secondBuckets = 60 // last-minute ring, one bucket per second
	minuteBuckets = 60 // last-hour ring, one bucket per minute
)

// Counter is a named, monotonic sliding-window event counter. The zero
// value is not usable; construct with New.
type Counter struct {
	name  string
	total atomic.Uint64

	mu        sync.Mutex
	seconds   [secondBuckets]uint64
	secondKey [secondBuckets]int64 // unix second each bucket currently represents
	minutes   [minuteBuckets]uint64
	minuteKey [minuteBuckets]int64 // unix minute each bucket currently represents
}

// New returns a Counter with the given name, used only by Summary.
func New(name string) *Counter {
	c := &Counter{name: name}
	for i := range c.secondKey {
		c.secondKey[i] = -1
	}
	for i := range c.minuteKey {
		c.minuteKey[i] = -1
	}
	return c
}

// IncrementBy adds n to the counter. IncrementBy(0) is a no-op.
func (c *Counter) IncrementBy(n uint64) {
	if n == 0 {
		return
	}
	now := time.Now()
	sec := now.Unix()
	min := sec / 60

	c.mu.Lock()
	c.expireLocked(sec, min)
	c.seconds[sec%secondBuckets] += n
	c.secondKey[sec%secondBuckets] = sec
	c.minutes[min%minuteBuckets] += n
	c.minuteKey[min%minuteBuckets] = min
	c.mu.Unlock()

	c.total.Add(n)
}

// expireLocked zeroes out any bucket whose key has fallen out of its
// window. Must be called with mu held.
func (c *Counter) expireLocked(sec, min int64) {
	for i := range c.secondKey {
		if c.secondKey[i] != -1 && sec-c.secondKey[i] >= secondBuckets {
			c.secondKey[i] = -1
			c.seconds[i] = 0
		}
	}
	for i := range c.minuteKey {
		if c.minuteKey[i] != -1 && min-c.minuteKey[i] >= minuteBuckets {
			c.minuteKey[i] = -1
			c.minutes[i] = 0
		}
	}
}

// LastSecondCount returns the number of events counted in the last second.
func (c *Counter) LastSecondCount() uint64 {
	now := time.Now().Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now, now/60)
	idx := now % secondBuckets
	if c.secondKey[idx] == now {
		return c.seconds[idx]
	}
	return 0
}

// LastMinuteCount returns the number of events counted in the last 60s.
func (c *Counter) LastMinuteCount() uint64 {
	now := time.Now().Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now, now/60)
	var sum uint64
	for i, key := range c.secondKey {
		if key != -1 && now-key < secondBuckets {
			sum += c.seconds[i]
		}
	}
	return sum
}

// LastHourCount returns the number of events counted in the last 3600s.
func (c *Counter) LastHourCount() uint64 {
	now := time.Now().Unix()
	min := now / 60
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now, min)
	var sum uint64
	for i, key := range c.minuteKey {
		if key != -1 && min-key < minuteBuckets {
			sum += c.minutes[i]
		}
	}
	return sum
}

// TotalCount returns the lifetime total. It wraps per unsigned 64-bit
// overflow semantics, which is unreachable in practice.
func (c *Counter) TotalCount() uint64 {
	return c.total.Load()
}

// Summary renders a human-readable snapshot of all four windows.
func (c *Counter) Summary() string {
	return fmt.Sprintf("%s: 1s=%d 1m=%d 1h=%d total=%d",
		c.name, c.LastSecondCount(), c.LastMinuteCount(), c.LastHourCount(), c.TotalCount())
}
