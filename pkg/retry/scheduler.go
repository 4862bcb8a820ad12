// Package retry computes when a failed queue item is attempted again.
package retry

import "time"

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = time.Hour
)

// Policy is an exponential backoff with a ceiling.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewPolicy returns a Policy, substituting defaults for non-positive values.
func NewPolicy(base, max time.Duration) Policy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if max < base {
		max = base
	}
	return Policy{BaseDelay: base, MaxDelay: max}
}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay) for a 0-based attempt count.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if delay > p.MaxDelay-delay {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Decision is the bookkeeping to apply after a failed attempt.
type Decision struct {
	DeadLetter    bool
	Attempts      int
	NextAttemptAt time.Time
}

// Decide applies the retry rules to an item that failed after `attempts` previous failures.
// The item is dead-lettered when the failure is not retryable or the budget is spent.
func (p Policy) Decide(attempts, maxAttempts int, retryable bool, now time.Time) Decision {
	next := attempts + 1
	if !retryable || next >= maxAttempts {
		if maxAttempts > 0 && next > maxAttempts {
			next = maxAttempts
		}
		return Decision{DeadLetter: true, Attempts: next}
	}
	return Decision{
		Attempts:      next,
		NextAttemptAt: now.Add(p.Delay(attempts)),
	}
}
