// Package backoff decides when a failed job, stage item or webhook is attempted again.
package backoff

import (
	"math"
	"time"
)

// Policy is a capped exponential backoff with a bounded number of attempts.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

func NewPolicy(base, max time.Duration, maxRetries int) Policy {
	return Policy{Base: base, Max: max, MaxRetries: maxRetries}
}

// Delay returns the wait after the failure that brought the retry counter to retries.
// Delay is non-decreasing in retries and never exceeds Max.
func (p Policy) Delay(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	delay := time.Duration(float64(p.Base) * math.Pow(2, float64(retries-1)))
	if delay <= 0 || delay > p.Max {
		return p.Max
	}
	return delay
}

// Decision is the outcome of one failed attempt.
type Decision struct {
	Retries   int
	WaitUntil time.Time
	Exhausted bool
}

// Next records a failure for something that has already failed `retries` times.
// Once the new count reaches MaxRetries the decision is exhausted and no further
// attempt should be scheduled.
func (p Policy) Next(now time.Time, retries int) Decision {
	next := retries + 1
	if next >= p.MaxRetries {
		return Decision{Retries: next, WaitUntil: now, Exhausted: true}
	}
	return Decision{Retries: next, WaitUntil: now.Add(p.Delay(next))}
}
