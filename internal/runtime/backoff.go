package runtime

import (
	"math"
	"time"
)

// BackoffPolicy computes how long a failed message waits before redelivery.
// attempt is the 1-based delivery that failed.
type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

// BackoffFunc adapts a function to BackoffPolicy.
type BackoffFunc func(attempt int) time.Duration

func (f BackoffFunc) Delay(attempt int) time.Duration { return f(attempt) }

// StepBackoff uses the n-th step for the n-th attempt and the last step for
// every attempt after that. An empty list means no delay.
type StepBackoff []time.Duration

// DefaultBackoff waits 1s, 2s, 4s and then 8s for every further attempt.
func DefaultBackoff() StepBackoff {
	return StepBackoff{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
}

func (s StepBackoff) Delay(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attempt < 1 {
		return s[0]
	}
	if attempt > len(s) {
		return s[len(s)-1]
	}
	return s[attempt-1]
}

// ExponentialBackoff doubles, or multiplies by Multiplier, the Initial delay
// per attempt, capped at Max when Max is set.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	if e.Initial <= 0 {
		return 0
	}
	mult := e.Multiplier
	if mult <= 1 {
		mult = 2
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(mult, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ConstantBackoff waits the same delay for every attempt.
type ConstantBackoff time.Duration

func (c ConstantBackoff) Delay(int) time.Duration { return time.Duration(c) }
