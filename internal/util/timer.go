package util

import "time"

// TickTimer fires at a fixed interval of simulated time. It is advanced by
// the frame delta instead of reading the wall clock, so it pauses with the
// simulation and is deterministic under test.
type TickTimer struct {
	interval time.Duration
	elapsed  time.Duration
	armed    bool
}

// NewTickTimer returns a timer whose first Tick fires immediately.
func NewTickTimer(interval time.Duration) *TickTimer {
	return &TickTimer{interval: interval}
}

// NewRateTimer returns a timer firing hz times per second.
func NewRateTimer(hz float64) *TickTimer {
	return NewTickTimer(time.Duration(float64(time.Second) / hz))
}

// Tick advances the timer by dt and reports whether it fired.
func (t *TickTimer) Tick(dt time.Duration) bool {
	if !t.armed {
		t.armed = true
		t.elapsed = 0
		return true
	}

	t.elapsed += dt
	if t.elapsed < t.interval {
		return false
	}

	t.elapsed -= t.interval
	// Never fire more than once per frame after a long stall.
	if t.elapsed >= t.interval {
		t.elapsed = 0
	}
	return true
}

// Reset makes the next Tick fire immediately.
func (t *TickTimer) Reset() {
	t.armed = false
	t.elapsed = 0
}

// Interval returns the configured period.
func (t *TickTimer) Interval() time.Duration { return t.interval }
