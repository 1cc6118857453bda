// Package backoff provides exponential backoff calculation.
package backoff

import (
	"math"
	"time"
)

const (
	defaultInitial    = 100 * time.Millisecond
	defaultMax        = 5 * time.Second
	defaultMultiplier = 2.0
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial    time.Duration // default: 100ms
	Max        time.Duration // default: 5s
	Multiplier float64       // default: 2
}

// Delay returns the wait before the given retry. Retry 1 waits Initial,
// retry n waits Initial*Multiplier^(n-1), capped at Max.
func (c Config) Delay(retry int) time.Duration {
	initial, maxDelay, mult := c.Initial, c.Max, c.Multiplier
	if initial <= 0 {
		initial = defaultInitial
	}
	if maxDelay <= 0 {
		maxDelay = defaultMax
	}
	if mult < 1 {
		mult = defaultMultiplier
	}
	if initial > maxDelay {
		return maxDelay
	}
	if retry < 1 {
		return initial
	}

	d := float64(initial) * math.Pow(mult, float64(retry-1))
	if math.IsInf(d, 0) || d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}
