// Copyright 2024-2026 Aiku AI

package keepalive

import (
	"sync"
	"time"
)

// Throttle reports true at most once per interval. Keepalive actions use it
// to send a cheap heartbeat on every tick and a larger diagnostic payload
// only occasionally.
type Throttle struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewThrottle creates a throttle that opens on the first call and then once
// per interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, now: time.Now}
}

// Ready reports whether the interval has elapsed since the last time Ready
// returned true, and if so restarts the interval.
func (t *Throttle) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

// Reset makes the next Ready call return true.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.last = time.Time{}
	t.mu.Unlock()
}
