// Package retry implements the delivery pipeline's backoff scheduler:
// exponential delay with jitter, generalizing the teacher's fixed
// step-function schedule into the configurable formula this system's
// retry ladder was resolved to (see DESIGN.md).
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Schedule holds the parameters of the backoff formula
// delay = clamp(base*2^(attempt-1), base, max) * (1 ± jitter).
type Schedule struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64 // in [0, 0.5]
	MaxAttempts int
}

// DefaultSchedule matches SPEC_FULL.md's Open Question resolution.
var DefaultSchedule = Schedule{
	Base:        60 * time.Second,
	Max:         3600 * time.Second,
	Jitter:      0.5,
	MaxAttempts: 25,
}

// NextDelay returns the delay to wait before the next attempt, given
// that `attempt` attempts have already been made (attempt is 1 for the
// delay following the first failure).
func (s Schedule) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(s.Base)
	max := float64(s.Max)

	delay := base * math.Pow(2, float64(attempt-1))
	if delay < base {
		delay = base
	}
	if delay > max {
		delay = max
	}

	j := s.Jitter
	if j < 0 {
		j = 0
	}
	if j > 0.5 {
		j = 0.5
	}
	// Uniform multiplier in [1-j, 1+j].
	mult := 1 - j + rand.Float64()*2*j
	delay *= mult

	return time.Duration(delay)
}

// Exhausted reports whether attempt has used up the schedule's attempt
// budget, meaning the message should transition to permanently-failed.
func (s Schedule) Exhausted(attempt int) bool {
	return attempt >= s.MaxAttempts
}
