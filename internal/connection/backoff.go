package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: the ceiling doubles per consecutive
// failure up to max, a random fraction (jitter) of it is subtracted, and
// the result never drops below the previous delay until Reset.
// Not safe for concurrent use.
type Backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64
	rand   func() float64

	attempt int
	prev    time.Duration
}

// NewBackoff creates a backoff. jitter is clamped to [0, 1].
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &Backoff{
		base:   base,
		max:    max,
		jitter: jitter,
		rand:   rand.Float64,
	}
}

// Next records a failure and returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	ceiling := b.Ceiling(b.attempt)

	delay := ceiling - time.Duration(b.jitter*b.rand()*float64(ceiling))
	if delay < b.prev {
		delay = b.prev
	}
	b.prev = delay
	return delay
}

// Ceiling returns the un-jittered delay for the given attempt (1-based).
func (b *Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.max || d <= 0 {
			return b.max
		}
	}
	if d > b.max {
		return b.max
	}
	return d
}

// Attempt returns the number of failures since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset returns to the base delay.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.prev = 0
}
