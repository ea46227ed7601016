package watch

import "time"

// Backoff stretches the poll interval during lulls. Every Threshold
// consecutive stale polls multiply the factor; any detected change snaps
// it back to 1.0. The effective interval never exceeds Max.
type Backoff struct {
	base       time.Duration
	max        time.Duration
	threshold  int
	multiplier float64

	staleCount int
	factor     float64
}

func NewBackoff(base, max time.Duration, threshold int, multiplier float64) *Backoff {
	if base <= 0 {
		base = 30 * time.Second
	}
	if max < base {
		max = base
	}
	if threshold <= 0 {
		threshold = 12
	}
	if multiplier <= 1 {
		multiplier = 2.0
	}
	return &Backoff{
		base:       base,
		max:        max,
		threshold:  threshold,
		multiplier: multiplier,
		factor:     1.0,
	}
}

// Observe records the outcome of one poll.
func (b *Backoff) Observe(changed bool) {
	if changed {
		b.Reset()
		return
	}
	b.staleCount++
	if b.staleCount >= b.threshold {
		maxFactor := float64(b.max) / float64(b.base)
		b.factor *= b.multiplier
		if b.factor > maxFactor {
			b.factor = maxFactor
		}
		b.staleCount = 0
	}
}

func (b *Backoff) Reset() {
	b.staleCount = 0
	b.factor = 1.0
}

// Restore reinstates persisted backoff state after a resume.
func (b *Backoff) Restore(staleCount int, factor float64) {
	if staleCount < 0 {
		staleCount = 0
	}
	if factor < 1.0 {
		factor = 1.0
	}
	maxFactor := float64(b.max) / float64(b.base)
	if factor > maxFactor {
		factor = maxFactor
	}
	b.staleCount = staleCount
	b.factor = factor
}

// Interval is the effective poll interval, base*factor clamped to max.
func (b *Backoff) Interval() time.Duration {
	d := time.Duration(float64(b.base) * b.factor)
	if d > b.max {
		d = b.max
	}
	return d
}

func (b *Backoff) Factor() float64     { return b.factor }
func (b *Backoff) StaleCount() int     { return b.staleCount }
func (b *Backoff) Base() time.Duration { return b.base }
