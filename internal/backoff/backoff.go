// Package backoff holds the retry schedule shared by the outbox and
// inbox failure paths.
package backoff

import "time"

const (
	baseDelay = 10 * time.Second
	// MaxDelay caps the schedule regardless of attempt count.
	MaxDelay = 600 * time.Second
	// attemptCap bounds the exponent so the shift cannot overflow.
	attemptCap = 10
)

// Delay returns how long a row stays ineligible after its attempts-th
// failure: 10s, 20s, 40s, 80s, 160s for the first five attempts, then
// pinned at MaxDelay from the sixth on.
func Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts <= 5 {
		return baseDelay << uint(attempts-1)
	}
	exp := attempts
	if exp > attemptCap {
		exp = attemptCap
	}
	d := baseDelay << uint(exp)
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}
