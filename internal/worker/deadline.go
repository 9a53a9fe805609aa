package worker

import "time"

// Timeouts bound how long the dispatcher waits on analyses.
type Timeouts struct {
	BasePerItem time.Duration
	MaxPerItem  time.Duration
	BatchFloor  time.Duration
}

// BatchDeadline scales patience with batch size: n*base, raised to the floor,
// then capped at n*max.
func BatchDeadline(n int, t Timeouts) time.Duration {
	if n <= 0 {
		return 0
	}
	d := time.Duration(n) * t.BasePerItem
	if d < t.BatchFloor {
		d = t.BatchFloor
	}
	if ceiling := time.Duration(n) * t.MaxPerItem; d > ceiling {
		d = ceiling
	}
	return d
}

// checkInterval is how often running items are compared against the
// per-item deadline.
func checkInterval(perItem time.Duration) time.Duration {
	tick := perItem / 10
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	return tick
}
