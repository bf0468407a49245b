package store

import (
	"math"
	"time"
)

// RetryDelay returns the delay before the next retry attempt.
// attempt is 1-based (the attempt that just failed).
func RetryDelay(strategy string, attempt, baseSeconds, maxSeconds int) time.Duration {
	if baseSeconds < 0 {
		baseSeconds = 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var seconds int
	switch strategy {
	case BackoffFixed:
		seconds = baseSeconds
	case BackoffLinear:
		seconds = baseSeconds * attempt
	case BackoffExponential:
		seconds = baseSeconds * int(math.Pow(2, float64(attempt-1)))
	default:
		seconds = baseSeconds * int(math.Pow(2, float64(attempt-1)))
	}

	if maxSeconds > 0 && seconds > maxSeconds {
		seconds = maxSeconds
	}

	return time.Duration(seconds) * time.Second
}
