package queue

import (
	"math"
	"math/rand"
	"time"
)

// BackoffFunc returns the wait before the next attempt after attempt failures.
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff doubles the window per attempt and picks a point in its
// upper half, so successive delays strictly increase until max is reached.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return backoffWithJitter(base, max, attempt)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
