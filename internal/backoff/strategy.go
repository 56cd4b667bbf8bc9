// Package backoff computes delays between retry attempts.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy returns the delay to wait after the given zero-based attempt.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// ExponentialJitter grows the delay geometrically and adds uniform jitter.
//
// The delay after attempt n is Initial*Multiplier^n plus a random amount in
// [0, Jitter*delay), never exceeding Max.
type ExponentialJitter struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Delay implements Strategy.
func (s ExponentialJitter) Delay(attempt int) time.Duration {
	attempt = clampAttempt(attempt, 30)
	multiplier := s.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	d := time.Duration(float64(s.Initial) * pow(multiplier, attempt))
	if d < 0 || (s.Max > 0 && d > s.Max) {
		d = s.Max
	}

	if jitter := clampJitter(s.Jitter); jitter > 0 {
		d += time.Duration(float64(d) * jitter * rand.Float64())
		if s.Max > 0 && d > s.Max {
			d = s.Max
		}
	}
	return d
}

// DecorrelatedJitter picks a random delay between Initial and Initial*3^attempt,
// capped at Max. The first attempt always waits Initial.
type DecorrelatedJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay implements Strategy.
func (s DecorrelatedJitter) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return s.Initial
	}
	attempt = clampAttempt(attempt, 10)

	base := float64(s.Initial)
	upper := base * pow(3, attempt)
	if s.Max > 0 && (upper > float64(s.Max) || upper < 0) {
		upper = float64(s.Max)
	}
	if upper < base {
		upper = base
	}

	d := time.Duration(base + rand.Float64()*(upper-base))
	if s.Max > 0 && (d < 0 || d > s.Max) {
		d = s.Max
	}
	return d
}

// Constant always waits the same duration.
type Constant time.Duration

// Delay implements Strategy.
func (s Constant) Delay(int) time.Duration {
	return time.Duration(s)
}

func clampAttempt(attempt, limit int) int {
	if attempt < 0 {
		return 0
	}
	if attempt > limit {
		return limit
	}
	return attempt
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
