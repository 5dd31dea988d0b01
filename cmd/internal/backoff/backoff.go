// Package backoff computes reconnect delays: bounded exponential growth with jitter
// and a maximum attempt ceiling.
package backoff

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy encapsulates reconnect backoff settings. It is immutable after construction.
type Policy struct {
	Initial     time.Duration // delay before the first retry
	Max         time.Duration // cap for growth
	MaxAttempts int           // retries allowed after a close; 0 means none
	Jitter      float64       // fraction in [0,1] of each delay that is randomized
}

// DefaultPolicy returns the default reconnect policy (1s initial, 60s cap, 8 attempts, 20% jitter).
func DefaultPolicy() Policy {
	return Policy{Initial: time.Second, Max: time.Minute, MaxAttempts: 8, Jitter: 0.2}
}

// NewPolicy builds a policy from raw config fields; zero/invalid values fall back to defaults.
func NewPolicy(initial, maxDelay time.Duration, maxAttempts int, jitter float64) Policy {
	p := DefaultPolicy()
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	if maxAttempts >= 0 {
		p.MaxAttempts = maxAttempts
	}
	if jitter >= 0 && jitter <= 1 {
		p.Jitter = jitter
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Exhausted reports whether attempt (1-based) is past the ceiling.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}

// Base returns the un-jittered delay for attempt (1-based: first retry => 1).
func (p Policy) Base(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Delay returns the jittered delay for attempt. The result is always > 0 for attempt >= 1:
// jitter only ever subtracts up to Jitter*base, and never below half of Initial.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base(attempt)
	if base <= 0 {
		return 0
	}
	if p.Jitter <= 0 {
		return base
	}
	spread := time.Duration(float64(base) * p.Jitter)
	d := base
	if spread > 0 {
		d = base - time.Duration(rand.Int64N(int64(spread)+1))
	}
	if floor := max(p.Initial/2, time.Millisecond); d < floor {
		d = floor
	}
	return d
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max attempts cannot be negative")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0,1]")
	}
	return nil
}
