// ABOUTME: Exponential reconnect backoff with a cap and random jitter
// ABOUTME: delay = min(base * 2^min(attempt, 3), max) + jitter

package connection

import "time"

// maxDoublings caps the exponent so the delay plateaus after four attempts.
const maxDoublings = 3

// Backoff returns the delay before reconnect number attempt (zero based),
// without jitter.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base << min(attempt, maxDoublings)
	return min(delay, max)
}

// jitter scales frac in [0,1) onto [0,limit).
func jitter(frac float64, limit time.Duration) time.Duration {
	if limit <= 0 || frac <= 0 {
		return 0
	}
	d := time.Duration(frac * float64(limit))
	if d >= limit {
		d = limit - 1
	}
	return d
}
