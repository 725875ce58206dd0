package supervisor

import "time"

// Backoff produces exponentially increasing delays and can be reset to its
// base after a sustained period of good health.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	factor  float64
	current time.Duration
}

// NewBackoff creates a Backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration, factor float64) *Backoff {
	if factor <= 1 {
		factor = 2
	}
	return &Backoff{base: base, max: max, factor: factor}
}

// Delay returns the next delay and advances the schedule.
func (b *Backoff) Delay() time.Duration {
	if b.current == 0 {
		b.current = b.base
		return b.current
	}
	next := time.Duration(float64(b.current) * b.factor)
	if next > b.max {
		next = b.max
	}
	b.current = next
	return b.current
}

// Reset returns the schedule to its base delay.
func (b *Backoff) Reset() {
	b.current = 0
}
